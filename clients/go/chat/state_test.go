package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func durable(id, sender, text string) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Type:           "TEXT",
		Text:           &text,
		CreatedAt:      time.Now(),
	}
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Message.ID != "" {
			out = append(out, e.Message.ID)
		} else {
			out = append(out, "local:"+e.LocalID)
		}
	}
	return out
}

func TestMergeDurableIsIdempotent(t *testing.T) {
	st := newConversationState("me")
	batch := []Message{durable("m1", "other", "hi"), durable("m2", "other", "there")}

	appended := st.mergeDurable(batch)
	assert.Len(t, appended, 2)

	// Re-applying the same batch, in any mixture, changes nothing.
	assert.Empty(t, st.mergeDurable(batch))
	assert.Empty(t, st.mergeDurable([]Message{batch[1]}))
	assert.Equal(t, []string{"m1", "m2"}, ids(st.snapshot()))
}

func TestConcurrentPushAndPollNeverDuplicate(t *testing.T) {
	st := newConversationState("me")

	msgs := make([]Message, 50)
	for i := range msgs {
		msgs[i] = durable(fmt.Sprintf("m%02d", i), "other", "x")
	}

	// Push delivers one at a time; poll delivers overlapping batches.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, m := range msgs {
			st.mergeDurable([]Message{m})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < len(msgs); i += 10 {
			st.mergeDurable(msgs[i:min(i+20, len(msgs))])
		}
	}()
	wg.Wait()

	got := st.snapshot()
	require.Len(t, got, len(msgs))
	seen := map[string]bool{}
	for _, e := range got {
		assert.False(t, seen[e.Message.ID], "duplicate visible message %s", e.Message.ID)
		seen[e.Message.ID] = true
	}
}

func TestProvisionalReconcilesByClientKey(t *testing.T) {
	st := newConversationState("me")
	text := "hello"

	_, ok := st.addProvisional(Entry{
		LocalID: "local-1",
		Message: Message{SenderID: "me", Text: &text},
	}, signatureOf("me", text, 0))
	require.True(t, ok)

	// Authoritative copy arrives via push before the HTTP response.
	auth := durable("m1", "me", "hello")
	auth.ClientKey = "local-1"
	appended := st.mergeDurable([]Message{auth})
	assert.Empty(t, appended, "reconciliation replaces in place, not append")

	got := st.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Message.ID)
	assert.Equal(t, "local-1", got[0].LocalID, "rendering key survives reconciliation")
	assert.False(t, got[0].Pending)
}

func TestProvisionalReconcilesBySignatureFallback(t *testing.T) {
	st := newConversationState("me")
	text := "spaced   out   text"

	_, ok := st.addProvisional(Entry{
		LocalID: "local-1",
		Message: Message{SenderID: "me", Text: &text},
	}, signatureOf("me", text, 0))
	require.True(t, ok)

	// Server did not echo a correlation key; whitespace differs too.
	appended := st.mergeDurable([]Message{durable("m1", "me", "spaced out text")})
	assert.Empty(t, appended)

	got := st.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Message.ID)
	assert.Equal(t, "local-1", got[0].LocalID)
}

func TestForeignMessageNeverMatchesProvisional(t *testing.T) {
	st := newConversationState("me")
	text := "same words"

	_, ok := st.addProvisional(Entry{
		LocalID: "local-1",
		Message: Message{SenderID: "me", Text: &text},
	}, signatureOf("me", text, 0))
	require.True(t, ok)

	// Another user sends identical content; it must append, not reconcile.
	appended := st.mergeDurable([]Message{durable("m1", "other", "same words")})
	assert.Len(t, appended, 1)

	got := st.snapshot()
	require.Len(t, got, 2)
	assert.True(t, got[0].Pending)
}

func TestTwoDistinctSendsReconcileIndependently(t *testing.T) {
	st := newConversationState("me")
	a, b := "first message", "second message"

	_, ok := st.addProvisional(Entry{LocalID: "l1", Message: Message{SenderID: "me", Text: &a}}, signatureOf("me", a, 0))
	require.True(t, ok)
	_, ok = st.addProvisional(Entry{LocalID: "l2", Message: Message{SenderID: "me", Text: &b}}, signatureOf("me", b, 0))
	require.True(t, ok)

	// Authoritative copies arrive out of order.
	st.mergeDurable([]Message{durable("m2", "me", "second message")})
	st.mergeDurable([]Message{durable("m1", "me", "first message")})

	got := st.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].Message.ID)
	assert.Equal(t, "l1", got[0].LocalID)
	assert.Equal(t, "m2", got[1].Message.ID)
	assert.Equal(t, "l2", got[1].LocalID)
}

func TestIdenticalConcurrentSendMustWait(t *testing.T) {
	st := newConversationState("me")
	text := "ok"
	sig := signatureOf("me", text, 0)

	_, ok := st.addProvisional(Entry{LocalID: "l1", Message: Message{SenderID: "me", Text: &text}}, sig)
	require.True(t, ok)

	wait, ok := st.addProvisional(Entry{LocalID: "l2", Message: Message{SenderID: "me", Text: &text}}, sig)
	assert.False(t, ok)
	require.NotNil(t, wait)
	select {
	case <-wait:
		t.Fatal("retired channel closed while first send still outstanding")
	default:
	}

	// First send settles; the second may proceed now.
	auth := durable("m1", "me", "ok")
	auth.ClientKey = "l1"
	st.mergeDurable([]Message{auth})

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("retired channel never closed")
	}
	_, ok = st.addProvisional(Entry{LocalID: "l2", Message: Message{SenderID: "me", Text: &text}}, sig)
	assert.True(t, ok)
}

func TestLateHTTPResponseAfterPushReconciliation(t *testing.T) {
	st := newConversationState("me")
	text := "hi"

	_, ok := st.addProvisional(Entry{LocalID: "l1", Message: Message{SenderID: "me", Text: &text}}, signatureOf("me", text, 0))
	require.True(t, ok)

	// Push wins the race.
	auth := durable("m1", "me", "hi")
	auth.ClientKey = "l1"
	st.mergeDurable([]Message{auth})

	// The HTTP response lands afterwards with the same durable message.
	performed := st.completeSend("l1", auth)
	assert.False(t, performed)

	require.Len(t, st.snapshot(), 1)

	// A later poll carrying the id again is still a no-op.
	assert.Empty(t, st.mergeDurable([]Message{auth}))
	assert.Len(t, st.snapshot(), 1)
}

func TestCompleteSendWinsWhenHTTPIsFirst(t *testing.T) {
	st := newConversationState("me")
	text := "hi"

	_, ok := st.addProvisional(Entry{LocalID: "l1", Message: Message{SenderID: "me", Text: &text}}, signatureOf("me", text, 0))
	require.True(t, ok)

	auth := durable("m1", "me", "hi")
	auth.ClientKey = "l1"
	assert.True(t, st.completeSend("l1", auth))

	got := st.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Message.ID)
	assert.False(t, got[0].Pending)

	// The push copy arriving later does not duplicate.
	assert.Empty(t, st.mergeDurable([]Message{auth}))
	assert.Len(t, st.snapshot(), 1)
}

func TestMarkFailedAndReactivate(t *testing.T) {
	st := newConversationState("me")
	text := "retry me"
	sig := signatureOf("me", text, 0)

	_, ok := st.addProvisional(Entry{LocalID: "l1", Message: Message{SenderID: "me", Text: &text}}, sig)
	require.True(t, ok)

	st.markFailed("l1")
	got := st.snapshot()
	require.Len(t, got, 1)
	assert.True(t, got[0].Failed)
	assert.False(t, got[0].Pending)

	// Failure retires the signature, so an identical fresh send is free
	// to go; the failed row stays failed.
	_, ok = st.addProvisional(Entry{LocalID: "l2", Message: Message{SenderID: "me", Text: &text}}, sig)
	require.True(t, ok)
	auth := durable("m1", "me", "retry me")
	auth.ClientKey = "l2"
	st.mergeDurable([]Message{auth})

	// Reactivating the original failed entry re-registers the signature.
	wait, ok := st.reactivate("l1")
	assert.True(t, ok)
	assert.Nil(t, wait)
	got = st.snapshot()
	assert.True(t, got[0].Pending)
	assert.False(t, got[0].Failed)
}

func TestPrependOlderSkipsKnownIDs(t *testing.T) {
	st := newConversationState("me")
	st.mergeDurable([]Message{durable("m3", "other", "live")})

	added := st.prependOlder([]Message{durable("m1", "other", "old"), durable("m2", "other", "older"), durable("m3", "other", "live")})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(st.snapshot()))
}

func TestClosedStateRefusesMutation(t *testing.T) {
	st := newConversationState("me")
	text := "x"
	sig := signatureOf("me", text, 0)
	_, ok := st.addProvisional(Entry{LocalID: "l1", Message: Message{SenderID: "me", Text: &text}}, sig)
	require.True(t, ok)

	st.close()

	assert.Empty(t, st.mergeDurable([]Message{durable("m1", "other", "x")}))
	wait, ok := st.addProvisional(Entry{LocalID: "l2"}, signatureOf("me", "y", 0))
	assert.False(t, ok)
	assert.Nil(t, wait)
	wait, ok = st.reactivate("l1")
	assert.False(t, ok)
	assert.Nil(t, wait)
}
