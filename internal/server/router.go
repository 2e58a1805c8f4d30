// Package server exposes the session ledger, pipeline control and telemetry stream over HTTP.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/arachnova/eventscout/internal/capture"
	"github.com/arachnova/eventscout/internal/ledger"
	"github.com/arachnova/eventscout/internal/pipeline"
	"github.com/arachnova/eventscout/internal/telemetry"
)

const (
	operatorContextKey       = "eventscout_operator"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingLedgerService  = errors.New("ledger service dependency required")
	errMissingTelemetry      = errors.New("telemetry registry dependency required")
	errMissingPipelines      = errors.New("pipeline manager dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the operator subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenValidator    TokenValidator
	Ledger            *ledger.Service
	Telemetry         *telemetry.Registry
	Pipelines         *pipeline.Manager
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router. Every route except the health check requires a
// bearer token.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Ledger == nil {
		return nil, errMissingLedgerService
	}
	if deps.Telemetry == nil {
		return nil, errMissingTelemetry
	}
	if deps.Pipelines == nil {
		return nil, errMissingPipelines
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenValidator,
		ledger:    deps.Ledger,
		telemetry: deps.Telemetry,
		pipelines: deps.Pipelines,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sessions", handler.handleRegisterSession)
	protected.GET("/sessions", handler.handleListSessions)
	protected.GET("/sessions/:id", handler.handleSessionView)
	protected.PUT("/sessions/:id/status", handler.handleSetStatus)
	protected.POST("/sessions/:id/ledger", handler.handleMaterialize)
	protected.POST("/sessions/:id/bulk", handler.handleBulkApply)
	protected.PATCH("/sessions/:id/posts/:index", handler.handlePatchField)
	protected.GET("/sessions/:id/ledger.csv", handler.handleExportCSV)
	protected.POST("/sessions/:id/ledger.csv", handler.handleImportCSV)
	protected.GET("/sessions/:id/pending", handler.handlePendingPosts)
	protected.POST("/sessions/:id/pipeline", handler.handleStartPipeline)
	protected.DELETE("/sessions/:id/pipeline", handler.handleStopPipeline)
	protected.POST("/sessions/:id/pipeline/finish", handler.handleFinishPipeline)
	protected.POST("/sessions/:id/captures", handler.handleIngestCapture)
	protected.POST("/sessions/:id/events", handler.handleBroadcast)
	protected.GET("/sessions/:id/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	ledger    *ledger.Service
	telemetry *telemetry.Registry
	pipelines *pipeline.Manager
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts the token from the Authorization header, or from the
// access_token query parameter for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, subject)
	c.Next()
}

// respondError maps ledger and pipeline failures onto HTTP statuses and echoes the service
// error code when there is one.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	label := "internal_error"
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status, label = http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrMalformedInput):
		status, label = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrWriteConflict):
		status, label = http.StatusConflict, "write_conflict"
	case errors.Is(err, pipeline.ErrNotRunning):
		status, label = http.StatusNotFound, "pipeline_not_running"
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		status, label = http.StatusConflict, "pipeline_running"
	case errors.Is(err, pipeline.ErrNoFeed), errors.Is(err, capture.ErrSourceClosed):
		status, label = http.StatusConflict, "pipeline_closed"
	}

	payload := gin.H{"error": label}
	var serviceErr *ledger.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("operation", operation), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, payload)
}

func badRequest(c *gin.Context, label string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": label})
}
