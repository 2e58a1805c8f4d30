package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arachnova/eventscout/internal/auth"
	"github.com/arachnova/eventscout/internal/database"
	"github.com/arachnova/eventscout/internal/extraction"
	"github.com/arachnova/eventscout/internal/ledger"
	"github.com/arachnova/eventscout/internal/pipeline"
	"github.com/arachnova/eventscout/internal/telemetry"
)

const testOperator = "operator-1"

type testHarness struct {
	handler   http.Handler
	ledger    *ledger.Service
	telemetry *telemetry.Registry
	pipelines *pipeline.Manager
	token     string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	registry := telemetry.NewRegistry(telemetry.RegistryConfig{GracePeriod: time.Minute})
	engine, err := extraction.NewEngine(extraction.Config{})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{
		Extractor: engine,
		Archive:   ledgerService,
		Publisher: registry,
	})
	if err != nil {
		t.Fatalf("failed to construct runner: %v", err)
	}
	manager := pipeline.NewManager(context.Background(), runner, zap.NewNop())
	t.Cleanup(manager.Shutdown)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), testOperator)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator:    issuer,
		Ledger:            ledgerService,
		Telemetry:         registry,
		Pipelines:         manager,
		Logger:            zap.NewNop(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testHarness{handler: handler, ledger: ledgerService, telemetry: registry, pipelines: manager, token: token}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	switch value := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(value)
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+h.token)
	if _, isString := body.(string); !isString && body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, recorder.Code, recorder.Body.String())
	}
}
