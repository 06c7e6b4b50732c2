package api

import (
	"net/http"
	"strconv"
	"time"

	"lostfound-board/backend/internal/chat"

	"github.com/gin-gonic/gin"
)

// ConversationHandler exposes the conversation subsystem over HTTP.
type ConversationHandler struct {
	service *chat.Service
}

func NewConversationHandler(service *chat.Service) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// ListInbox handles GET /conversations
func (h *ConversationHandler) ListInbox(c *gin.Context) {
	items, err := h.service.Inbox(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "items": items})
}

type startDirectRequest struct {
	To   string `json:"to"`
	Item string `json:"item"`
	Text string `json:"text"`
}

// StartDirect handles POST /conversations
func (h *ConversationHandler) StartDirect(c *gin.Context) {
	var req startDirectRequest
	// Tolerate an empty body; validation happens in the service
	_ = c.ShouldBindJSON(&req)

	conversationID, err := h.service.StartDirect(c.Request.Context(), CurrentUserID(c), req.To, req.Item, req.Text)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "conversationId": conversationID})
}

// Open handles GET /conversations/:id
func (h *ConversationHandler) Open(c *gin.Context) {
	since := parseTimeParam(c.Query("since"))
	take := parseIntParam(c.Query("take"), 0)

	view, messages, err := h.service.Open(c.Request.Context(), c.Param("id"), CurrentUserID(c), since, take)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"meId":         CurrentUserID(c),
		"conversation": view,
		"messages":     messages,
	})
}

// History handles GET /conversations/:id/messages
func (h *ConversationHandler) History(c *gin.Context) {
	cursor := parseTimeParam(c.Query("cursor"))
	limit := parseIntParam(c.Query("limit"), 0)

	messages, nextCursor, err := h.service.History(c.Request.Context(), c.Param("id"), CurrentUserID(c), cursor, limit)
	if err != nil {
		c.Error(err)
		return
	}

	var next interface{}
	if nextCursor != nil {
		next = nextCursor.Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"messages":   messages,
		"nextCursor": next,
	})
}

type sendRequest struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	ClientKey   string   `json:"clientKey"`
}

// Send handles POST /conversations/:id/messages
func (h *ConversationHandler) Send(c *gin.Context) {
	var req sendRequest
	_ = c.ShouldBindJSON(&req)

	msg, err := h.service.Send(c.Request.Context(), c.Param("id"), CurrentUserID(c), chat.SendInput{
		Text:        req.Text,
		Attachments: req.Attachments,
		ClientKey:   req.ClientKey,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

// MarkRead handles POST /conversations/:id/read
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	if err := h.service.MarkRead(c.Request.Context(), c.Param("id"), CurrentUserID(c)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func parseTimeParam(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
