package server

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/arachnova/eventscout/internal/ledger"
	"github.com/arachnova/eventscout/internal/pipeline"
)

const metaPage = `<html><head>` +
	`<meta property="og:description" content="Lomba Desain Poster 2024\nHubungi 081234567890 untuk info pendaftaran lengkap">` +
	`<meta property="og:image" content="https://cdn.example.com/poster.jpg">` +
	`</head><body><time datetime="2024-05-01T10:00:00.000Z">May 1</time></body></html>`

func runCapturedSession(t *testing.T, harness *testHarness, sessionID string) {
	t.Helper()
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions", map[string]string{
		"session_id": sessionID,
		"username":   "acme.events",
	}), http.StatusCreated)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/"+sessionID+"/pipeline", nil), http.StatusAccepted)

	var ingested struct {
		CaptionLocated bool `json:"caption_located"`
	}
	page := harness.do(t, http.MethodPost, "/sessions/"+sessionID+"/captures", map[string]any{
		"post_index": 1,
		"post_url":   "https://www.instagram.com/p/abc/",
		"html":       metaPage,
	})
	expectStatus(t, page, http.StatusAccepted)
	decodeBody(t, page, &ingested)
	if !ingested.CaptionLocated {
		t.Fatalf("expected caption to be located from page source")
	}
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/"+sessionID+"/captures", map[string]any{
		"post_index": 2,
		"caption":    "Open Tournament Futsal Antar Kampus\nCP Budi 0857-1234-5678 untuk pendaftaran tim dan suporter",
	}), http.StatusAccepted)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/"+sessionID+"/pipeline/finish", nil), http.StatusAccepted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := harness.pipelines.Wait(ctx, sessionID)
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if summary.Successful != 2 || summary.WithPhone != 2 {
		t.Fatalf("unexpected pipeline summary: %+v", summary)
	}
}

func TestSessionLifecycleThroughHTTP(t *testing.T) {
	harness := newTestHarness(t)
	runCapturedSession(t, harness, "session-http")

	var view sessionViewPayload
	response := harness.do(t, http.MethodGet, "/sessions/session-http", nil)
	expectStatus(t, response, http.StatusOK)
	decodeBody(t, response, &view)
	if view.Session.TotalPosts != 2 || view.Session.Status != ledger.StatusPending {
		t.Fatalf("unexpected session: %+v", view.Session)
	}
	if len(view.Posts) != 2 {
		t.Fatalf("expected two posts, got %d", len(view.Posts))
	}
	first := view.Posts[0]
	if first.Title != "Lomba Desain Poster 2024" || first.Phones != "081234567890" {
		t.Fatalf("unexpected first post: %+v", first)
	}
	if first.ImageURL != "https://cdn.example.com/poster.jpg" || first.RawDate != "2024-05-01T10:00:00.000Z" {
		t.Fatalf("unexpected page metadata: %+v", first)
	}
	if view.Posts[1].Phones != "085712345678" {
		t.Fatalf("unexpected second post phones: %q", view.Posts[1].Phones)
	}

	patch := harness.do(t, http.MethodPatch, "/sessions/session-http/posts/2", map[string]string{
		"field": "location",
		"value": "GOR Kampus",
	})
	expectStatus(t, patch, http.StatusOK)

	bulk := harness.do(t, http.MethodPost, "/sessions/session-http/bulk", map[string]any{
		"updates": []map[string]any{
			{"post_index": 1, "values": map[string]string{"fee": "Rp 50.000"}},
			{"post_index": 9, "values": map[string]string{"fee": "free"}},
		},
	})
	expectStatus(t, bulk, http.StatusOK)
	var bulkResult ledger.BulkResult
	decodeBody(t, bulk, &bulkResult)
	if bulkResult.Applied != 1 || len(bulkResult.Failed) != 1 || bulkResult.Failed[0] != 9 {
		t.Fatalf("unexpected bulk result: %+v", bulkResult)
	}

	response = harness.do(t, http.MethodGet, "/sessions/session-http", nil)
	decodeBody(t, response, &view)
	if view.Posts[1].Location != "GOR Kampus" || view.Posts[1].LastEdited != testOperator {
		t.Fatalf("expected patched location with editor, got %+v", view.Posts[1])
	}
	if view.Posts[0].Fee != "Rp 50.000" || view.Posts[0].Status != ledger.StatusParsed {
		t.Fatalf("expected bulk applied fee, got %+v", view.Posts[0])
	}
	if view.Session.Status != ledger.StatusParsed {
		t.Fatalf("expected session parsed after bulk apply, got %s", view.Session.Status)
	}

	expectStatus(t, harness.do(t, http.MethodPut, "/sessions/session-http/status", map[string]string{"status": "done"}), http.StatusOK)
	regress := harness.do(t, http.MethodPut, "/sessions/session-http/status", map[string]string{"status": "pending"})
	expectStatus(t, regress, http.StatusBadRequest)

	var listed struct {
		Sessions []sessionPayload `json:"sessions"`
	}
	list := harness.do(t, http.MethodGet, "/sessions", nil)
	expectStatus(t, list, http.StatusOK)
	decodeBody(t, list, &listed)
	if len(listed.Sessions) != 1 || listed.Sessions[0].Status != ledger.StatusDone {
		t.Fatalf("unexpected session list: %+v", listed.Sessions)
	}
}

func TestLedgerCSVRoundTripThroughHTTP(t *testing.T) {
	harness := newTestHarness(t)
	runCapturedSession(t, harness, "session-csv")

	exported := harness.do(t, http.MethodGet, "/sessions/session-csv/ledger.csv", nil)
	expectStatus(t, exported, http.StatusOK)
	if !strings.HasPrefix(exported.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected content type %q", exported.Header().Get("Content-Type"))
	}
	records, err := csv.NewReader(strings.NewReader(exported.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse exported csv: %v", err)
	}
	if len(records) != 3 || len(records[0]) != len(ledger.CSVHeader) {
		t.Fatalf("expected header and two rows, got %d records", len(records))
	}

	edited := strings.Replace(exported.Body.String(), "Lomba Desain Poster 2024,", "Lomba Poster Nasional,", 1)
	imported := harness.do(t, http.MethodPost, "/sessions/session-csv/ledger.csv", edited)
	expectStatus(t, imported, http.StatusCreated)
	var ref ledger.SnapshotRef
	decodeBody(t, imported, &ref)
	if ref.Rows != 2 || ref.SnapshotID == "" {
		t.Fatalf("unexpected snapshot ref: %+v", ref)
	}

	var view sessionViewPayload
	decodeBody(t, harness.do(t, http.MethodGet, "/sessions/session-csv", nil), &view)
	if view.SnapshotID != ref.SnapshotID || view.Posts[0].Title != "Lomba Poster Nasional" {
		t.Fatalf("expected imported snapshot to be latest, got %s %+v", view.SnapshotID, view.Posts[0])
	}

	foreign := strings.Replace(exported.Body.String(), "session-csv", "someone-else", 1)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/session-csv/ledger.csv", foreign), http.StatusBadRequest)
}

func TestPendingPostsThroughHTTP(t *testing.T) {
	harness := newTestHarness(t)
	runCapturedSession(t, harness, "session-pending")

	var pending struct {
		Posts []ledger.PostView `json:"posts"`
	}
	response := harness.do(t, http.MethodGet, "/sessions/session-pending/pending?min_caption=80", nil)
	expectStatus(t, response, http.StatusOK)
	decodeBody(t, response, &pending)
	if len(pending.Posts) != 1 || pending.Posts[0].PostIndex != 2 {
		t.Fatalf("expected only the long caption pending, got %+v", pending.Posts)
	}
	expectStatus(t, harness.do(t, http.MethodGet, "/sessions/session-pending/pending?min_caption=x", nil), http.StatusBadRequest)
}

func TestErrorResponsesCarryServiceCodes(t *testing.T) {
	harness := newTestHarness(t)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions", map[string]string{"session_id": "session-err"}), http.StatusCreated)

	testCases := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "unknown session view", method: http.MethodGet, path: "/sessions/missing", wantStatus: http.StatusNotFound, wantCode: "ledger.get_session_view.load_failed"},
		{name: "unknown field", method: http.MethodPatch, path: "/sessions/session-err/posts/1", body: map[string]string{"field": "colour", "value": "x"}, wantStatus: http.StatusBadRequest, wantCode: "ledger.patch_field.invalid_field"},
		{name: "missing post", method: http.MethodPatch, path: "/sessions/session-err/posts/4", body: map[string]string{"field": "title", "value": "x"}, wantStatus: http.StatusNotFound, wantCode: "ledger.patch_field.post_missing"},
		{name: "empty bulk", method: http.MethodPost, path: "/sessions/session-err/bulk", body: map[string]any{"updates": []any{}}, wantStatus: http.StatusBadRequest},
		{name: "duplicate session", method: http.MethodPost, path: "/sessions", body: map[string]string{"session_id": "session-err"}, wantStatus: http.StatusBadRequest, wantCode: "ledger.register_session.duplicate_session"},
		{name: "bad post index", method: http.MethodPatch, path: "/sessions/session-err/posts/one", body: map[string]string{"field": "title", "value": "x"}, wantStatus: http.StatusBadRequest},
		{name: "stop idle pipeline", method: http.MethodDelete, path: "/sessions/session-err/pipeline", wantStatus: http.StatusNotFound},
		{name: "ingest without pipeline", method: http.MethodPost, path: "/sessions/session-err/captures", body: map[string]any{"post_index": 1, "caption": "x"}, wantStatus: http.StatusNotFound},
		{name: "start for unknown session", method: http.MethodPost, path: "/sessions/missing/pipeline", wantStatus: http.StatusNotFound},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response := harness.do(t, testCase.method, testCase.path, testCase.body)
			expectStatus(t, response, testCase.wantStatus)
			if testCase.wantCode == "" {
				return
			}
			var payload struct {
				Code string `json:"code"`
			}
			decodeBody(t, response, &payload)
			if payload.Code != testCase.wantCode {
				t.Fatalf("expected code %q, got %q", testCase.wantCode, payload.Code)
			}
		})
	}
}

func TestStopPipelineThroughHTTP(t *testing.T) {
	harness := newTestHarness(t)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions", map[string]string{"session_id": "session-stop"}), http.StatusCreated)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/session-stop/pipeline", nil), http.StatusAccepted)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/session-stop/pipeline", nil), http.StatusConflict)
	expectStatus(t, harness.do(t, http.MethodDelete, "/sessions/session-stop/pipeline", nil), http.StatusAccepted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := harness.pipelines.Wait(ctx, "session-stop"); !errors.Is(err, pipeline.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	backlog := harness.telemetry.Backlog("session-stop")
	last := backlog[len(backlog)-1]
	if last.Payload["success"] != false || last.Payload["code"] != "TERMINATED" {
		t.Fatalf("unexpected final event: %+v", last)
	}
	session, err := harness.ledger.GetSession(context.Background(), "session-stop")
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if session.Status != ledger.StatusError {
		t.Fatalf("expected errored session, got %s", session.Status)
	}
}

func TestBroadcastEvents(t *testing.T) {
	harness := newTestHarness(t)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions", map[string]string{"session_id": "session-events"}), http.StatusCreated)

	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/session-events/events", map[string]any{
		"type":       "screenshot",
		"image":      "aGVsbG8=",
		"post_index": 3,
	}), http.StatusAccepted)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/session-events/events", map[string]any{
		"type": "custom",
		"name": "scroll",
		"data": map[string]any{"offset": 1200},
	}), http.StatusAccepted)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/session-events/events", map[string]any{"type": "progress"}), http.StatusBadRequest)
	expectStatus(t, harness.do(t, http.MethodPost, "/sessions/unopened/events", map[string]any{"type": "custom", "name": "x"}), http.StatusNotFound)

	backlog := harness.telemetry.Backlog("session-events")
	if len(backlog) != 2 || backlog[0].Payload["post_index"] != 3 || backlog[1].Payload["name"] != "scroll" {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}
}
