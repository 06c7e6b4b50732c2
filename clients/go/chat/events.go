package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Event is the closed set of payloads an event stream can deliver.
type Event interface {
	isEvent()
}

// ReadyEvent signals the stream is established.
type ReadyEvent struct{}

// HeartbeatEvent is a server keep-alive comment.
type HeartbeatEvent struct{}

// MessageEvent carries one durable message (message:new).
type MessageEvent struct {
	Message Message
}

// InboxEvent carries one conversation summary (inbox:upsert).
type InboxEvent struct {
	Item ConversationSummary
}

func (ReadyEvent) isEvent()     {}
func (HeartbeatEvent) isEvent() {}
func (MessageEvent) isEvent()   {}
func (InboxEvent) isEvent()     {}

// EventStream is one live text/event-stream connection. Events arrive on
// C until the stream ends; Err reports why it ended.
type EventStream struct {
	C <-chan Event

	ch     chan Event
	cancel context.CancelFunc
	err    error
	done   chan struct{}
}

// Close tears the stream down. Safe to call twice.
func (s *EventStream) Close() {
	s.cancel()
}

// Err returns the terminal error after C is closed, nil on clean close.
func (s *EventStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// RoomEvents opens the push channel for one conversation. A non-nil
// since asks the server to replay messages newer than the watermark
// before going live.
func (c *Client) RoomEvents(ctx context.Context, conversationID string, since *time.Time) (*EventStream, error) {
	q := url.Values{}
	if since != nil {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	return c.openStream(ctx, "/conversations/"+conversationID+"/events", q)
}

// InboxEvents opens the caller's inbox push channel.
func (c *Client) InboxEvents(ctx context.Context) (*EventStream, error) {
	return c.openStream(ctx, "/inbox/events", nil)
}

func (c *Client) openStream(ctx context.Context, path string, query url.Values) (*EventStream, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.AddCookie(&http.Cookie{Name: c.CookieName, Value: c.Token})

	// The stream outlives any sane request timeout, so bypass the
	// client-wide one.
	httpClient := &http.Client{Transport: c.HTTPClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	stream := &EventStream{
		ch:     make(chan Event, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	stream.C = stream.ch

	go func() {
		defer close(stream.done)
		defer close(stream.ch)
		defer resp.Body.Close()
		stream.err = readEvents(ctx, bufio.NewScanner(resp.Body), stream.ch)
	}()

	return stream, nil
}

// readEvents parses text/event-stream framing: data lines accumulate
// until a blank line dispatches them; comment lines are heartbeats.
func readEvents(ctx context.Context, scanner *bufio.Scanner, out chan<- Event) error {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	dispatch := func() error {
		if data.Len() == 0 {
			return nil
		}
		e, err := decodeEvent([]byte(data.String()))
		data.Reset()
		if err != nil {
			return err
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			select {
			case out <- HeartbeatEvent{}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil // deliberate close
		}
		return err
	}
	return dispatch()
}

type eventEnvelope struct {
	Type    string               `json:"type"`
	Message *Message             `json:"message"`
	Item    *ConversationSummary `json:"item"`
}

func decodeEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "ready":
		return ReadyEvent{}, nil
	case "message:new":
		if env.Message == nil {
			return nil, fmt.Errorf("message:new without message")
		}
		return MessageEvent{Message: *env.Message}, nil
	case "inbox:upsert":
		if env.Item == nil {
			return nil, fmt.Errorf("inbox:upsert without item")
		}
		return InboxEvent{Item: *env.Item}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
