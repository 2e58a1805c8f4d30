package server

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arachnova/eventscout/internal/ledger"
)

const defaultPendingCaptionLength = 50

type registerRequestPayload struct {
	SessionID  string `json:"session_id"`
	ArchiveRef string `json:"archive_ref"`
	Username   string `json:"username"`
	ProfileURL string `json:"profile_url"`
}

type sessionPayload struct {
	SessionID        string        `json:"session_id"`
	ArchiveRef       string        `json:"archive_ref"`
	Username         string        `json:"username"`
	ProfileURL       string        `json:"profile_url"`
	CreatedAtSeconds int64         `json:"created_at_s"`
	TotalPosts       int           `json:"total_posts"`
	Status           ledger.Status `json:"status"`
	StatusAtSeconds  int64         `json:"status_at_s"`
	Synced           bool          `json:"synced"`
}

type sessionViewPayload struct {
	Session    sessionPayload    `json:"session"`
	SnapshotID string            `json:"snapshot_id"`
	Posts      []ledger.PostView `json:"posts"`
}

type statusRequestPayload struct {
	Status string `json:"status"`
}

type bulkRequestPayload struct {
	Updates []ledger.RowUpdate `json:"updates"`
}

type patchRequestPayload struct {
	Field string  `json:"field"`
	Value *string `json:"value"`
}

func newSessionPayload(session ledger.Session) sessionPayload {
	return sessionPayload{
		SessionID:        session.SessionID,
		ArchiveRef:       session.ArchiveRef,
		Username:         session.Username,
		ProfileURL:       session.ProfileURL,
		CreatedAtSeconds: session.CreatedAtSeconds,
		TotalPosts:       session.TotalPosts,
		Status:           session.Status,
		StatusAtSeconds:  session.StatusAtSeconds,
		Synced:           session.Synced,
	}
}

func (h *httpHandler) handleRegisterSession(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	session, err := h.ledger.RegisterSession(c.Request.Context(), ledger.RegisterRequest{
		SessionID:  request.SessionID,
		ArchiveRef: request.ArchiveRef,
		Username:   request.Username,
		ProfileURL: request.ProfileURL,
	})
	if err != nil {
		h.respondError(c, "register_session", err)
		return
	}
	h.telemetry.Open(session.SessionID)
	c.JSON(http.StatusCreated, newSessionPayload(session))
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	sessions, err := h.ledger.ListSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, "list_sessions", err)
		return
	}
	payload := make([]sessionPayload, 0, len(sessions))
	for _, session := range sessions {
		payload = append(payload, newSessionPayload(session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": payload})
}

func (h *httpHandler) handleSessionView(c *gin.Context) {
	view, err := h.ledger.GetSessionView(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "session_view", err)
		return
	}
	posts := view.Posts
	if posts == nil {
		posts = []ledger.PostView{}
	}
	c.JSON(http.StatusOK, sessionViewPayload{
		Session:    newSessionPayload(view.Session),
		SnapshotID: view.SnapshotID,
		Posts:      posts,
	})
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	var request statusRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Status) == "" {
		badRequest(c, "invalid_request")
		return
	}
	status, err := ledger.ParseStatus(request.Status)
	if err != nil {
		h.respondError(c, "set_status", err)
		return
	}
	result, err := h.ledger.SetStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.respondError(c, "set_status", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleMaterialize(c *gin.Context) {
	ref, err := h.ledger.MaterializeLedger(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "materialize", err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

func (h *httpHandler) handleBulkApply(c *gin.Context) {
	var request bulkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	result, err := h.ledger.BulkApply(c.Request.Context(), c.Param("id"), request.Updates)
	if err != nil {
		h.respondError(c, "bulk_apply", err)
		return
	}
	if result.Failed == nil {
		result.Failed = []int{}
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handlePatchField(c *gin.Context) {
	postIndex, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "invalid_post_index")
		return
	}
	var request patchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Value == nil {
		badRequest(c, "invalid_request")
		return
	}
	result, err := h.ledger.PatchField(c.Request.Context(), ledger.PatchRequest{
		SessionID: c.Param("id"),
		PostIndex: postIndex,
		Field:     request.Field,
		Value:     *request.Value,
		Editor:    c.GetString(operatorContextKey),
	})
	if err != nil {
		h.respondError(c, "patch_field", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleExportCSV(c *gin.Context) {
	sessionID := c.Param("id")
	var buffer bytes.Buffer
	if err := h.ledger.ExportCSV(c.Request.Context(), sessionID, &buffer); err != nil {
		h.respondError(c, "export_csv", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+sessionID+`.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buffer.Bytes())
}

func (h *httpHandler) handleImportCSV(c *gin.Context) {
	ref, err := h.ledger.ImportCSV(c.Request.Context(), c.Param("id"), c.Request.Body)
	if err != nil {
		h.respondError(c, "import_csv", err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

func (h *httpHandler) handlePendingPosts(c *gin.Context) {
	minCaption := defaultPendingCaptionLength
	if raw := c.Query("min_caption"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c, "invalid_min_caption")
			return
		}
		minCaption = parsed
	}
	posts, err := h.ledger.PendingPosts(c.Request.Context(), c.Param("id"), minCaption)
	if err != nil {
		h.respondError(c, "pending_posts", err)
		return
	}
	if posts == nil {
		posts = []ledger.PostView{}
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}
