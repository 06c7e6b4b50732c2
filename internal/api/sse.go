package api

import (
	"time"

	"lostfound-board/backend/internal/chat"
	"lostfound-board/backend/internal/hub"
	"lostfound-board/backend/pkg/config"
	apperrors "lostfound-board/backend/pkg/errors"
	"lostfound-board/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// EventsHandler serves the long-lived push channels: one per open
// conversation view (room events) and one per user (inbox events).
type EventsHandler struct {
	service *chat.Service
	rooms   *hub.Hub
	inboxes *hub.Hub
	cfg     *config.Config
}

func NewEventsHandler(service *chat.Service, rooms, inboxes *hub.Hub, cfg *config.Config) *EventsHandler {
	return &EventsHandler{service: service, rooms: rooms, inboxes: inboxes, cfg: cfg}
}

// RoomEvents handles GET /conversations/:id/events
func (h *EventsHandler) RoomEvents(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUserID(c)

	ok, err := h.service.IsMember(conversationID, userID)
	if err != nil {
		c.Error(err)
		return
	}
	if !ok {
		c.Error(apperrors.ErrForbidden())
		return
	}

	// Subscribe before backfilling so a message appended during the
	// backfill query is not lost; the client's merge rule drops the
	// resulting duplicates.
	sub := h.rooms.Subscribe(conversationID)
	defer sub.Close()

	backlog := func() []hub.Event {
		since := parseTimeParam(c.Query("since"))
		messages, err := h.service.Backlog(c.Request.Context(), conversationID, since)
		if err != nil {
			logger.FromContext(c).LogError(err, "event stream backlog",
				"conversation_id", conversationID)
			return nil
		}
		events := make([]hub.Event, 0, len(messages))
		for _, m := range messages {
			events = append(events, hub.MessageNew{Message: m})
		}
		return events
	}

	h.stream(c, sub, backlog)
}

// InboxEvents handles GET /inbox/events
func (h *EventsHandler) InboxEvents(c *gin.Context) {
	sub := h.inboxes.Subscribe(CurrentUserID(c))
	defer sub.Close()

	h.stream(c, sub, nil)
}

// stream pumps a subscription onto the response as text/event-stream
// frames: a ready event, the optional backlog, then live events with
// periodic heartbeats. Any write failure, including a heartbeat, tears
// the subscription down; reconnecting is the client's job.
func (h *EventsHandler) stream(c *gin.Context, sub *hub.Subscription, backlog func() []hub.Event) {
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)

	w := c.Writer
	write := func(e hub.Event) bool {
		frame := hub.EncodeSSE(e)
		if frame == nil {
			return true
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
		w.Flush()
		return true
	}

	if !write(hub.Ready{}) {
		return
	}
	if backlog != nil {
		for _, e := range backlog() {
			if !write(e) {
				return
			}
		}
	}

	// Heartbeat timer is owned by this stream and stops with it
	heartbeat := time.NewTicker(h.cfg.Chat.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case e := <-sub.Events():
			if !write(e) {
				return
			}
		case <-heartbeat.C:
			if !write(hub.Heartbeat{}) {
				return
			}
		}
	}
}
