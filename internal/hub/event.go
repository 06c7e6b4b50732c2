package hub

import (
	"encoding/json"
	"fmt"

	"lostfound-board/backend/internal/models"
)

// Event is the closed set of payloads a hub can deliver. Receivers switch
// on the concrete type, so dispatch is exhaustive at compile time.
type Event interface {
	EventType() string
}

// Ready signals that a subscription is established and backfill may begin.
type Ready struct{}

func (Ready) EventType() string { return "ready" }

// Heartbeat is a periodic no-op that keeps intermediaries from dropping
// an idle connection. It is encoded as an SSE comment, not a data frame.
type Heartbeat struct{}

func (Heartbeat) EventType() string { return "heartbeat" }

// MessageNew carries one durable message to a room's subscribers.
type MessageNew struct {
	Message models.Message
}

func (MessageNew) EventType() string { return "message:new" }

// InboxUpsert carries an updated conversation summary to one user's
// inbox subscribers.
type InboxUpsert struct {
	Item models.ConversationSummary
}

func (InboxUpsert) EventType() string { return "inbox:upsert" }

// envelope is the wire shape shared by SSE frames and the broker relay.
type envelope struct {
	Type    string                      `json:"type"`
	Message *models.Message             `json:"message,omitempty"`
	Item    *models.ConversationSummary `json:"item,omitempty"`
}

// EncodeSSE renders an event as a text/event-stream frame. Heartbeats
// become comment lines so clients do not see them as messages.
func EncodeSSE(e Event) []byte {
	if _, ok := e.(Heartbeat); ok {
		return []byte(": ping\n\n")
	}
	data, err := EncodeJSON(e)
	if err != nil {
		return nil
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

// EncodeJSON renders an event as its JSON envelope.
func EncodeJSON(e Event) ([]byte, error) {
	env := envelope{Type: e.EventType()}
	switch ev := e.(type) {
	case Ready:
	case MessageNew:
		env.Message = &ev.Message
	case InboxUpsert:
		env.Item = &ev.Item
	default:
		return nil, fmt.Errorf("unencodable event type %q", e.EventType())
	}
	return json.Marshal(env)
}

// DecodeJSON parses a JSON envelope back into an event. Used by the
// broker relay; unknown types are rejected rather than passed through.
func DecodeJSON(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "ready":
		return Ready{}, nil
	case "message:new":
		if env.Message == nil {
			return nil, fmt.Errorf("message:new event without message")
		}
		return MessageNew{Message: *env.Message}, nil
	case "inbox:upsert":
		if env.Item == nil {
			return nil, fmt.Errorf("inbox:upsert event without item")
		}
		return InboxUpsert{Item: *env.Item}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
