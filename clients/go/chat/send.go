package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SendResult reports the outcome of one optimistic send attempt.
type SendResult struct {
	LocalID string
	Message *Message // authoritative copy on success
	Err     error
}

// SendController performs optimistic sends against one conversation.
// A send shows up immediately as a pending entry in the shared state
// and is later swapped in place for the authoritative copy, whichever
// of push delivery, poll delivery, or the HTTP response lands first.
// Obtain one from Receiver.SendController so both sides share a state.
type SendController struct {
	client         *Client
	conversationID string
	senderID       string
	st             *conversationState
}

// Send submits a message. It returns the rendering key of the pending
// entry and a channel that delivers exactly one SendResult. When an
// identical message (same normalized text, same attachment count) is
// still in flight, Send waits for it to settle before submitting, so
// each authoritative copy can only ever match one pending entry.
func (sc *SendController) Send(ctx context.Context, text string, attachments []string) (string, <-chan SendResult, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && len(attachments) == 0 {
		return "", nil, &APIError{StatusCode: 400, Code: "EMPTY_MESSAGE", Message: "Message must contain text or attachments"}
	}

	localID := uuid.NewString()
	sig := signatureOf(sc.senderID, trimmed, len(attachments))
	entry := Entry{
		LocalID: localID,
		Message: Message{
			ConversationID: sc.conversationID,
			SenderID:       sc.senderID,
			Type:           "TEXT",
			Text:           &trimmed,
			Attachments:    attachments,
			ClientKey:      localID,
			CreatedAt:      time.Now(),
		},
	}

	for {
		wait, ok := sc.st.addProvisional(entry, sig)
		if ok {
			break
		}
		if wait == nil {
			return "", nil, context.Canceled // view closed
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-wait:
		}
	}

	results := make(chan SendResult, 1)
	go sc.submit(ctx, localID, trimmed, attachments, results)
	return localID, results, nil
}

// Retry resubmits a failed entry under the same rendering key. The
// returned channel delivers exactly one SendResult.
func (sc *SendController) Retry(ctx context.Context, localID string) (<-chan SendResult, error) {
	var text string
	var attachments []string
	found := false
	for _, e := range sc.st.snapshot() {
		if e.LocalID == localID && e.Failed {
			text = e.Message.TextOrEmpty()
			attachments = e.Message.Attachments
			found = true
			break
		}
	}
	if !found {
		return nil, &APIError{StatusCode: 404, Code: "NOT_FOUND", Message: "No failed message to retry"}
	}

	for {
		wait, ok := sc.st.reactivate(localID)
		if ok {
			break
		}
		if wait == nil {
			return nil, &APIError{StatusCode: 404, Code: "NOT_FOUND", Message: "No failed message to retry"}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}

	results := make(chan SendResult, 1)
	go sc.submit(ctx, localID, text, attachments, results)
	return results, nil
}

// submit performs the HTTP call and folds its outcome back into the
// shared state. The response merge is idempotent against the delivery
// channels: if push or poll already reconciled the entry, the late
// response only records the durable id so it cannot reappear.
func (sc *SendController) submit(ctx context.Context, localID, text string, attachments []string, results chan<- SendResult) {
	msg, err := sc.client.Send(ctx, sc.conversationID, text, attachments, localID)
	if err != nil {
		sc.st.markFailed(localID)
		results <- SendResult{LocalID: localID, Err: err}
		return
	}

	sc.st.completeSend(localID, *msg)
	results <- SendResult{LocalID: localID, Message: msg}
}
