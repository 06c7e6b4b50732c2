package chat

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle of one open conversation view.
type State int

const (
	StateInitialLoad State = iota
	StateLive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitialLoad:
		return "initial_load"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Visibility describes how much attention the view currently has; the
// poll cadence adapts to it.
type Visibility int

const (
	Foreground Visibility = iota
	Background
	Hidden
)

// ReceiverOptions tunes the receiver's timing.
type ReceiverOptions struct {
	ForegroundPoll time.Duration // poll interval while focused near the bottom
	BackgroundPoll time.Duration // while the view is open but not focused
	HiddenPoll     time.Duration // while the tab is hidden
	PushQuiet      time.Duration // skip a poll this soon after a push event
	InitialTake    int           // messages fetched on first load
	HistoryPage    int           // backfill page size
	ReconnectMin   time.Duration // reconnect backoff floor
	ReconnectMax   time.Duration // reconnect backoff ceiling
	DegradedAfter  int           // consecutive stream failures before DEGRADED
}

// DefaultReceiverOptions returns the tuning used by the board's own UI.
func DefaultReceiverOptions() ReceiverOptions {
	return ReceiverOptions{
		ForegroundPoll: 3 * time.Second,
		BackgroundPoll: 10 * time.Second,
		HiddenPoll:     30 * time.Second,
		PushQuiet:      1500 * time.Millisecond,
		InitialTake:    50,
		HistoryPage:    30,
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   10 * time.Second,
		DegradedAfter:  3,
	}
}

// Receiver keeps one open conversation view in sync. Two independent
// delivery channels feed it: a live event stream and an adaptive poll
// loop. Both apply the same idempotent merge, so it never shows a
// message twice no matter which channel wins, and the poll loop covers
// whatever a dropped stream missed.
type Receiver struct {
	client         *Client
	conversationID string
	viewerID       string
	opts           ReceiverOptions

	st *conversationState

	mu             sync.Mutex
	state          State
	pollCursor     time.Time  // high-water mark; only ever advances
	backfillCursor *time.Time // low-water mark; only ever retreats
	backfillDone   bool
	lastPush       time.Time
	visibility     Visibility
	nearBottom     bool
	focused        bool
	streamFailures int
	readPending    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnAppend is invoked (outside the state lock) for every entry that
	// became newly visible through live or poll delivery.
	OnAppend func(Entry)
	// OnStateChange is invoked on every lifecycle transition.
	OnStateChange func(State)
}

// NewReceiver creates a receiver for one conversation view. viewerID
// must be the authenticated user the client's token belongs to; it
// drives the provisional-message matching rules.
func NewReceiver(client *Client, conversationID, viewerID string, opts *ReceiverOptions) *Receiver {
	o := DefaultReceiverOptions()
	if opts != nil {
		o = *opts
	}
	return &Receiver{
		client:         client,
		conversationID: conversationID,
		viewerID:       viewerID,
		opts:           o,
		st:             newConversationState(viewerID),
		state:          StateInitialLoad,
		visibility:     Foreground,
		nearBottom:     true,
		focused:        true,
	}
}

// SendController returns the optimistic send side of this view. It
// shares the receiver's merge state, which is what guarantees a pending
// bubble and its authoritative copy collapse to one visible entry.
func (r *Receiver) SendController() *SendController {
	return &SendController{
		client:         r.client,
		conversationID: r.conversationID,
		senderID:       r.viewerID,
		st:             r.st,
	}
}

// Start fetches the initial backlog, then launches the live subscription
// and the poll loop. Returns once the backlog is visible.
func (r *Receiver) Start(ctx context.Context) (*ConversationView, error) {
	res, err := r.client.Open(ctx, r.conversationID, nil, r.opts.InitialTake)
	if err != nil {
		return nil, err
	}

	r.st.mergeDurable(res.Messages)
	r.mu.Lock()
	for _, m := range res.Messages {
		if m.CreatedAt.After(r.pollCursor) {
			r.pollCursor = m.CreatedAt
		}
	}
	if len(res.Messages) > 0 {
		oldest := res.Messages[0].CreatedAt
		r.backfillCursor = &oldest
	} else {
		r.backfillDone = true
	}
	r.mu.Unlock()

	ctx, r.cancel = context.WithCancel(ctx)
	r.setState(StateLive)

	r.wg.Add(2)
	go r.subscribeLoop(ctx)
	go r.pollLoop(ctx)

	return &res.Conversation, nil
}

// Entries returns a snapshot of the visible message list, provisional
// entries included, in display order.
func (r *Receiver) Entries() []Entry {
	return r.st.snapshot()
}

// State returns the current lifecycle state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetViewport tells the receiver how the view is presented so it can
// adapt its poll cadence and read-marking.
func (r *Receiver) SetViewport(v Visibility, nearBottom, focused bool) {
	r.mu.Lock()
	r.visibility = v
	r.nearBottom = nearBottom
	r.focused = focused
	r.mu.Unlock()
}

// LoadOlder fetches the next older history page and prepends it. The
// backfill cursor only ever moves backward; live and poll cursors are
// untouched, so the two directions cannot duplicate each other.
func (r *Receiver) LoadOlder(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.backfillDone || r.state == StateClosed {
		r.mu.Unlock()
		return 0, nil
	}
	cursor := r.backfillCursor
	r.mu.Unlock()

	msgs, next, err := r.client.History(ctx, r.conversationID, cursor, r.opts.HistoryPage)
	if err != nil {
		return 0, err
	}

	added := r.st.prependOlder(msgs)

	r.mu.Lock()
	if next == nil {
		r.backfillDone = true
	} else if r.backfillCursor == nil || next.Before(*r.backfillCursor) {
		r.backfillCursor = next
	}
	r.mu.Unlock()

	return added, nil
}

// Close ends the view: the poll loop stops, the push subscription is
// torn down, and no state mutation happens afterwards.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.setState(StateClosed)
	r.st.close()
}

func (r *Receiver) setState(s State) {
	r.mu.Lock()
	if r.state == s || r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = s
	cb := r.OnStateChange
	r.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// subscribeLoop keeps a live event stream open, reconnecting with capped
// exponential backoff. Repeated failures flip the view to DEGRADED; the
// poll loop keeps it usable until the stream recovers.
func (r *Receiver) subscribeLoop(ctx context.Context) {
	defer r.wg.Done()

	backoff := r.opts.ReconnectMin
	for ctx.Err() == nil {
		r.mu.Lock()
		since := r.pollCursor
		r.mu.Unlock()

		var sincePtr *time.Time
		if !since.IsZero() {
			sincePtr = &since
		}

		stream, err := r.client.RoomEvents(ctx, r.conversationID, sincePtr)
		if err != nil {
			r.noteStreamFailure()
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, r.opts.ReconnectMax)
			continue
		}

		for e := range stream.C {
			switch ev := e.(type) {
			case ReadyEvent:
				backoff = r.opts.ReconnectMin
				r.mu.Lock()
				r.streamFailures = 0
				r.mu.Unlock()
				r.setState(StateLive)
			case MessageEvent:
				r.applyDelivery([]Message{ev.Message}, true)
			case HeartbeatEvent:
				// liveness only
			}
		}
		stream.Close()

		if ctx.Err() != nil {
			return
		}
		r.noteStreamFailure()
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, r.opts.ReconnectMax)
	}
}

func (r *Receiver) noteStreamFailure() {
	r.mu.Lock()
	r.streamFailures++
	degraded := r.streamFailures >= r.opts.DegradedAfter
	r.mu.Unlock()
	if degraded {
		r.setState(StateDegraded)
	}
}

// pollLoop independently asks for anything newer than the poll cursor.
// A poll is skipped entirely when a push event landed within the quiet
// window; push pre-empts poll to avoid redundant round trips.
func (r *Receiver) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		if !sleepCtx(ctx, r.pollInterval()) {
			return
		}

		r.mu.Lock()
		fresh := time.Since(r.lastPush) < r.opts.PushQuiet
		cursor := r.pollCursor
		r.mu.Unlock()
		if fresh {
			continue
		}

		var sincePtr *time.Time
		if !cursor.IsZero() {
			sincePtr = &cursor
		}
		res, err := r.client.Open(ctx, r.conversationID, sincePtr, 0)
		if err != nil {
			continue // transient; never surfaced, next tick retries
		}

		// A response that raced a newer delivery is stale: everything it
		// carries was requested from an older cursor than what has been
		// applied since. Discard it rather than merge.
		r.mu.Lock()
		stale := r.pollCursor.After(cursor)
		r.mu.Unlock()
		if stale {
			continue
		}

		r.applyDelivery(res.Messages, false)
	}
}

func (r *Receiver) pollInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.visibility {
	case Hidden:
		return r.opts.HiddenPoll
	case Background:
		return r.opts.BackgroundPoll
	default:
		if r.nearBottom || r.focused {
			return r.opts.ForegroundPoll
		}
		return r.opts.BackgroundPoll
	}
}

// applyDelivery runs the shared merge for a batch from either channel,
// advances the poll cursor, and handles the view-side effects: append
// callbacks and read marking when a foreign message lands while the view
// is focused near the bottom.
func (r *Receiver) applyDelivery(msgs []Message, fromPush bool) {
	if len(msgs) == 0 {
		return
	}

	appended := r.st.mergeDurable(msgs)

	r.mu.Lock()
	for _, m := range msgs {
		if m.CreatedAt.After(r.pollCursor) {
			r.pollCursor = m.CreatedAt
		}
	}
	if fromPush {
		r.lastPush = time.Now()
	}
	shouldMarkRead := false
	if r.focused && r.nearBottom && !r.readPending {
		for _, e := range appended {
			if e.Message.SenderID != r.viewerID {
				shouldMarkRead = true
				r.readPending = true
				break
			}
		}
	}
	cb := r.OnAppend
	r.mu.Unlock()

	if cb != nil {
		for _, e := range appended {
			cb(e)
		}
	}

	if shouldMarkRead {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = r.client.MarkRead(ctx, r.conversationID)
			r.mu.Lock()
			r.readPending = false
			r.mu.Unlock()
		}()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
