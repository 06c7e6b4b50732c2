package chat

import (
	"strings"
	"sync"
)

// signature is the derived key that matches a not-yet-durable provisional
// message to its eventual authoritative copy when no correlation key is
// available: same sender, same whitespace-normalized text, same number of
// attachments.
type signature struct {
	senderID    string
	normText    string
	attachments int
}

func signatureOf(senderID, text string, attachmentCount int) signature {
	return signature{
		senderID:    senderID,
		normText:    strings.Join(strings.Fields(text), " "),
		attachments: attachmentCount,
	}
}

// Entry is one visible row of a conversation view: either a durable
// message or a provisional one still waiting for its authoritative copy.
type Entry struct {
	// LocalID is the stable rendering key. Assigned at submit time for
	// provisional entries and kept after reconciliation so the row
	// never remounts; empty for messages that arrived durable.
	LocalID string
	Message Message
	Pending bool
	Failed  bool
}

type sigEntry struct {
	localID string
	retired chan struct{}
}

// conversationState is the single merge point shared by the receiver's
// two delivery channels and the send controller. All three mutate the
// same ordered entry list under one lock and agree via two rules:
// durable messages are deduplicated by id, provisional ones are matched
// by correlation key or signature.
type conversationState struct {
	mu       sync.Mutex
	viewerID string
	entries  []Entry
	seen     map[string]struct{}
	sigs     map[signature]*sigEntry
	closed   bool
}

func newConversationState(viewerID string) *conversationState {
	return &conversationState{
		viewerID: viewerID,
		seen:     make(map[string]struct{}),
		sigs:     make(map[signature]*sigEntry),
	}
}

// snapshot returns a copy of the visible list.
func (st *conversationState) snapshot() []Entry {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Entry, len(st.entries))
	copy(out, st.entries)
	return out
}

// mergeDurable applies a batch from either delivery channel. Idempotent:
// re-applying any batch is a no-op. Returns the entries actually
// appended (not the ones that reconciled a provisional row in place).
func (st *conversationState) mergeDurable(msgs []Message) []Entry {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}

	var appended []Entry
	for _, msg := range msgs {
		if msg.ID == "" {
			continue // durable messages only; provisionals never enter here
		}
		if _, dup := st.seen[msg.ID]; dup {
			continue
		}
		if st.reconcileLocked(msg) {
			st.seen[msg.ID] = struct{}{}
			continue
		}
		e := Entry{Message: msg}
		st.entries = append(st.entries, e)
		st.seen[msg.ID] = struct{}{}
		appended = append(appended, e)
	}
	return appended
}

// reconcileLocked replaces an outstanding provisional entry in place if
// the incoming durable message is its authoritative copy. Correlation by
// echoed client key wins; signature matching is the fallback.
func (st *conversationState) reconcileLocked(msg Message) bool {
	if msg.SenderID != st.viewerID {
		return false
	}

	if msg.ClientKey != "" {
		for i := range st.entries {
			if st.entries[i].LocalID == msg.ClientKey && st.entries[i].Pending {
				st.resolveLocked(i, msg)
				return true
			}
		}
	}

	sig := signatureOf(msg.SenderID, msg.TextOrEmpty(), len(msg.Attachments))
	if se, ok := st.sigs[sig]; ok {
		for i := range st.entries {
			if st.entries[i].LocalID == se.localID && st.entries[i].Pending {
				st.resolveLocked(i, msg)
				return true
			}
		}
	}
	return false
}

// resolveLocked swaps a provisional entry for its authoritative message,
// keeping the list position and rendering key, and retires the signature.
func (st *conversationState) resolveLocked(i int, msg Message) {
	local := st.entries[i].LocalID
	sig := signatureOf(st.entries[i].Message.SenderID, st.entries[i].Message.TextOrEmpty(), len(st.entries[i].Message.Attachments))
	st.entries[i] = Entry{LocalID: local, Message: msg}
	st.retireLocked(sig)
}

// prependOlder inserts a backfill page ahead of the current list,
// dropping anything already present by id.
func (st *conversationState) prependOlder(msgs []Message) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0
	}

	fresh := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		if _, dup := st.seen[msg.ID]; dup {
			continue
		}
		fresh = append(fresh, Entry{Message: msg})
		st.seen[msg.ID] = struct{}{}
	}
	if len(fresh) > 0 {
		st.entries = append(fresh, st.entries...)
	}
	return len(fresh)
}

// addProvisional registers a signature and appends a pending entry.
// When the identical signature is already outstanding it refuses and
// returns the channel that closes once the earlier send retires, so the
// caller can wait instead of risking a mis-matched reconciliation. A
// (nil, false) return means the state is closed.
func (st *conversationState) addProvisional(e Entry, sig signature) (<-chan struct{}, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, false
	}

	if existing, ok := st.sigs[sig]; ok {
		return existing.retired, false
	}

	st.sigs[sig] = &sigEntry{localID: e.LocalID, retired: make(chan struct{})}
	e.Pending = true
	e.Failed = false
	st.entries = append(st.entries, e)
	return nil, true
}

// completeSend applies the HTTP response of a send. If the entry is
// still pending it reconciles in place; if push or poll delivery already
// reconciled it, the response only deduplicates. Reports whether this
// call performed the reconciliation.
func (st *conversationState) completeSend(localID string, msg Message) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}

	for i := range st.entries {
		if st.entries[i].LocalID != localID {
			continue
		}
		if !st.entries[i].Pending {
			// Already reconciled by a faster channel; nothing to show
			st.seen[msg.ID] = struct{}{}
			return false
		}
		st.resolveLocked(i, msg)
		st.seen[msg.ID] = struct{}{}
		return true
	}
	// Entry vanished (view reset); still record the id so a later
	// delivery does not duplicate it
	st.seen[msg.ID] = struct{}{}
	return false
}

// markFailed flags a pending entry for manual retry and retires its
// signature so an identical follow-up send is no longer blocked.
func (st *conversationState) markFailed(localID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.entries {
		if st.entries[i].LocalID != localID {
			continue
		}
		st.entries[i].Pending = false
		st.entries[i].Failed = true
		sig := signatureOf(st.entries[i].Message.SenderID, st.entries[i].Message.TextOrEmpty(), len(st.entries[i].Message.Attachments))
		st.retireLocked(sig)
		return
	}
}

// reactivate moves a failed entry back to pending for a retry, once its
// signature can be registered again. Returns ok=true when reactivated;
// otherwise a non-nil wait channel means an identical signature is still
// outstanding, and a nil one means there is no such failed entry.
func (st *conversationState) reactivate(localID string) (<-chan struct{}, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, false
	}

	for i := range st.entries {
		if st.entries[i].LocalID != localID || !st.entries[i].Failed {
			continue
		}
		sig := signatureOf(st.entries[i].Message.SenderID, st.entries[i].Message.TextOrEmpty(), len(st.entries[i].Message.Attachments))
		if existing, ok := st.sigs[sig]; ok {
			return existing.retired, false
		}
		st.sigs[sig] = &sigEntry{localID: localID, retired: make(chan struct{})}
		st.entries[i].Pending = true
		st.entries[i].Failed = false
		return nil, true
	}
	return nil, false
}

func (st *conversationState) retireLocked(sig signature) {
	if se, ok := st.sigs[sig]; ok {
		close(se.retired)
		delete(st.sigs, sig)
	}
}

// close freezes the state; no mutation is possible afterwards.
func (st *conversationState) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for sig := range st.sigs {
		st.retireLocked(sig)
	}
}
