package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthCookie(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("lf_token"); err == nil {
			gotCookie = c.Value
		}
		json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token-123")
	_, err := c.Inbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-123", gotCookie)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"success":false,"error":{"code":"FORBIDDEN","message":"Not found"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	err := c.MarkRead(context.Background(), "conv-1")
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
	assert.Equal(t, "Not found", apiErr.Message)
}

func TestHistoryParsesCursor(t *testing.T) {
	cursor := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		fmt.Fprintf(w, `{"messages":[],"nextCursor":%q}`, cursor.Format(time.RFC3339Nano))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	_, next, err := c.History(context.Background(), "conv-1", nil, 5)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(cursor))

	// Exhausted history comes back as a nil cursor.
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messages":[],"nextCursor":null}`)
	}))
	defer srv2.Close()
	c2 := NewClient(srv2.URL, "t")
	_, next, err = c2.History(context.Background(), "conv-1", nil, 5)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRoomEventsParsesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"ready\"}\n\n")
		f.Flush()
		fmt.Fprint(w, ": ping\n\n")
		f.Flush()
		fmt.Fprint(w, "data: {\"type\":\"message:new\",\"message\":{\"id\":\"m1\",\"conversationId\":\"c1\",\"senderId\":\"u1\",\"type\":\"TEXT\",\"text\":\"hi\",\"createdAt\":\"2025-06-01T12:00:00Z\"}}\n\n")
		f.Flush()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	stream, err := c.RoomEvents(context.Background(), "c1", nil)
	require.NoError(t, err)
	defer stream.Close()

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case e, ok := <-stream.C:
			require.True(t, ok, "stream closed early: %v", stream.Err())
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out with %d events", len(got))
		}
	}

	_, ok := got[0].(ReadyEvent)
	assert.True(t, ok)
	_, ok = got[1].(HeartbeatEvent)
	assert.True(t, ok)
	msg, ok := got[2].(MessageEvent)
	require.True(t, ok)
	assert.Equal(t, "m1", msg.Message.ID)
	assert.Equal(t, "hi", msg.Message.TextOrEmpty())
}

func TestRoomEventsRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	_, err := c.RoomEvents(context.Background(), "c1", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, err.(*APIError).StatusCode)
}

func TestSendControllerOptimisticFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		text := req.Text
		msg := Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "me",
			Type:           "TEXT",
			Text:           &text,
			ClientKey:      req.ClientKey,
			CreatedAt:      time.Now(),
		}
		json.NewEncoder(w).Encode(map[string]any{"message": msg})
	}))
	defer srv.Close()

	st := newConversationState("me")
	sc := &SendController{client: NewClient(srv.URL, "t"), conversationID: "c1", senderID: "me", st: st}

	localID, results, err := sc.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	// A pending entry is visible immediately.
	entries := st.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, localID, entries[0].LocalID)
	assert.True(t, entries[0].Pending)

	select {
	case res := <-results:
		require.NoError(t, res.Err)
		assert.Equal(t, "m1", res.Message.ID)
		assert.Equal(t, localID, res.Message.ClientKey, "correlation key echoed")
	case <-time.After(2 * time.Second):
		t.Fatal("no send result")
	}

	entries = st.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.Equal(t, localID, entries[0].LocalID)
	assert.False(t, entries[0].Pending)
}

func TestSendControllerFailureAndRetry(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"success":false,"error":{"code":"INTERNAL","message":"boom"}}`)
			return
		}
		var req sendRequest
		json.NewDecoder(r.Body).Decode(&req)
		text := req.Text
		msg := Message{ID: "m1", ConversationID: "c1", SenderID: "me", Type: "TEXT", Text: &text, ClientKey: req.ClientKey, CreatedAt: time.Now()}
		json.NewEncoder(w).Encode(map[string]any{"message": msg})
	}))
	defer srv.Close()

	st := newConversationState("me")
	sc := &SendController{client: NewClient(srv.URL, "t"), conversationID: "c1", senderID: "me", st: st}

	localID, results, err := sc.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	select {
	case res := <-results:
		require.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no send result")
	}
	entries := st.snapshot()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Failed)

	fail = false
	retried, err := sc.Retry(context.Background(), localID)
	require.NoError(t, err)
	select {
	case res := <-retried:
		require.NoError(t, res.Err)
		assert.Equal(t, "m1", res.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no retry result")
	}

	entries = st.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.Equal(t, localID, entries[0].LocalID)
	assert.False(t, entries[0].Failed)
}

func TestSendControllerRejectsEmpty(t *testing.T) {
	st := newConversationState("me")
	sc := &SendController{client: NewClient("http://unreachable.invalid", "t"), conversationID: "c1", senderID: "me", st: st}

	_, _, err := sc.Send(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.Empty(t, st.snapshot())
}
