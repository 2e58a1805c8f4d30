package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arachnova/eventscout/internal/capture"
	"github.com/arachnova/eventscout/internal/telemetry"
)

// capturePayload carries either a page snapshot (HTML and/or visible article text), from
// which the caption is located, or an already located caption.
type capturePayload struct {
	PostIndex   *int   `json:"post_index"`
	PostURL     string `json:"post_url"`
	HTML        string `json:"html"`
	ArticleText string `json:"article_text"`
	Caption     string `json:"caption"`
	RawDate     string `json:"raw_date"`
	ImageURL    string `json:"image_url"`
}

type broadcastPayload struct {
	Type      string         `json:"type"`
	Image     string         `json:"image"`
	PostIndex int            `json:"post_index"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
}

func (h *httpHandler) handleStartPipeline(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.ledger.GetSession(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, "start_pipeline", err)
		return
	}
	h.telemetry.Open(sessionID)
	if err := h.pipelines.StartFeed(sessionID); err != nil {
		h.respondError(c, "start_pipeline", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "running": true})
}

func (h *httpHandler) handleStopPipeline(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.pipelines.Stop(sessionID); err != nil {
		h.respondError(c, "stop_pipeline", err)
		return
	}
	h.logger.Info("pipeline stop requested",
		zap.String("session_id", sessionID),
		zap.String("operator", c.GetString(operatorContextKey)))
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "stopping": true})
}

func (h *httpHandler) handleFinishPipeline(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.pipelines.Finish(sessionID); err != nil {
		h.respondError(c, "finish_pipeline", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "finishing": true})
}

func (h *httpHandler) handleIngestCapture(c *gin.Context) {
	sessionID := c.Param("id")
	var request capturePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PostIndex == nil || *request.PostIndex < 0 {
		badRequest(c, "invalid_capture")
		return
	}

	raw := capture.RawCapture{
		SessionID:  sessionID,
		PostIndex:  *request.PostIndex,
		PostURL:    strings.TrimSpace(request.PostURL),
		RawCaption: request.Caption,
		RawDate:    request.RawDate,
		ImageURL:   request.ImageURL,
	}
	if request.HTML != "" || request.ArticleText != "" {
		page, err := capture.NewPage(raw.PostURL, request.HTML, request.ArticleText)
		if err != nil {
			badRequest(c, "invalid_page_source")
			return
		}
		located := capture.Snapshot(page, raw.PostIndex, sessionID)
		if raw.RawCaption == "" {
			raw.RawCaption = located.RawCaption
		}
		if raw.RawDate == "" {
			raw.RawDate = located.RawDate
		}
		if raw.ImageURL == "" {
			raw.ImageURL = located.ImageURL
		}
	}

	if err := h.pipelines.Ingest(c.Request.Context(), sessionID, raw); err != nil {
		h.respondError(c, "ingest_capture", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id":      sessionID,
		"post_index":      raw.PostIndex,
		"caption_located": raw.RawCaption != "",
	})
}

func (h *httpHandler) handleBroadcast(c *gin.Context) {
	sessionID := c.Param("id")
	var request broadcastPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}

	var event telemetry.Event
	eventType, ok := telemetry.ParseEventType(request.Type)
	switch {
	case ok && eventType == telemetry.EventScreenshot && request.Image != "":
		event = telemetry.ScreenshotEvent(request.Image, request.PostIndex)
	case ok && eventType == telemetry.EventCustom && strings.TrimSpace(request.Name) != "":
		event = telemetry.CustomEvent(request.Name, request.Data)
	default:
		badRequest(c, "invalid_event")
		return
	}

	if !h.telemetry.Publish(sessionID, event) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "topic_not_open"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "type": eventType})
}
