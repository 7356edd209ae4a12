package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AuraFriday/remote-mcp/internal/events"
)

// outcome is what a waiter eventually receives: a response or a
// connection-level failure.
type outcome struct {
	resp *Response
	err  error
}

// Waiter is the single-slot delivery point for exactly one response to
// one outbound request.
type Waiter struct {
	id      string
	ch      chan outcome
	created time.Time
}

// ID returns the correlation identifier this waiter is registered under.
func (w *Waiter) ID() string { return w.id }

// Router is the single authority mapping outbound request identifiers
// to pending waiters. A single stream-reading goroutine calls Deliver;
// any number of caller goroutines use Register and Await. The pending
// table is mutex-guarded so the three operations are atomic with
// respect to each other.
type Router struct {
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.Mutex
	pending map[string]*Waiter
	reverse func(*ReverseCall)
}

// NewRouter creates a correlation router. bus may be nil.
func NewRouter(logger *slog.Logger, bus *events.Bus) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger.With("component", "router"),
		bus:     bus,
		pending: make(map[string]*Waiter),
	}
}

// SetReverseHandler installs the sink for inbound reverse calls.
// Must be set before the stream reader starts delivering.
func (r *Router) SetReverseHandler(fn func(*ReverseCall)) {
	r.mu.Lock()
	r.reverse = fn
	r.mu.Unlock()
}

// Register records a pending waiter for id. Must be called before the
// request is submitted, otherwise a fast response could arrive with no
// waiter to receive it. A duplicate id is a programming error.
func (r *Router) Register(id string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	w := &Waiter{
		id:      id,
		ch:      make(chan outcome, 1),
		created: time.Now(),
	}
	r.pending[id] = w
	return w, nil
}

// Abandon removes a waiter without delivering anything, e.g., when the
// submission itself failed. Safe to call for an already-removed waiter.
func (r *Router) Abandon(w *Waiter) {
	r.mu.Lock()
	delete(r.pending, w.id)
	r.mu.Unlock()
}

// Await blocks until the waiter's response arrives, the timeout
// elapses, or ctx is cancelled, whichever is first. On timeout or
// cancellation the waiter is removed and later deliveries for its id
// are dropped. A response carrying a protocol error is returned as
// that error.
func (r *Router) Await(ctx context.Context, w *Waiter, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp.Result, nil

	case <-timer.C:
		r.Abandon(w)
		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceDispatch,
			Kind:      events.KindRequestTimeout,
			Data:      map[string]any{"request_id": w.id},
		})
		return nil, fmt.Errorf("%w: no response for %s within %s", ErrTimedOut, w.id, timeout)

	case <-ctx.Done():
		r.Abandon(w)
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Deliver routes one inbound event. Responses go to their waiter,
// reverse calls to the installed handler; keepalives, unmatched
// responses, and malformed messages are dropped with a log line.
// Called only by the stream-reading goroutine.
func (r *Router) Deliver(ev InboundEvent) {
	switch ev.Kind {
	case EventResponse:
		r.mu.Lock()
		w, ok := r.pending[ev.Response.ID]
		if ok {
			delete(r.pending, ev.Response.ID)
		}
		r.mu.Unlock()

		if !ok {
			// Usually a response arriving after its waiter timed out.
			r.logger.Warn("dropping unmatched response", "id", ev.Response.ID)
			return
		}
		w.ch <- outcome{resp: ev.Response}

	case EventReverseCall:
		r.mu.Lock()
		sink := r.reverse
		r.mu.Unlock()

		if sink == nil {
			r.logger.Warn("reverse call with no handler installed",
				"tool", ev.Reverse.Tool,
				"call_id", ev.Reverse.CallID,
			)
			return
		}
		sink(ev.Reverse)

	case EventKeepalive:
		r.logger.Debug("keepalive")

	default:
		r.logger.Warn("dropping malformed stream message", "raw", string(ev.Raw))
	}
}

// FailAll releases every pending waiter with err. Used on disconnect
// and shutdown so no caller is left blocked forever.
func (r *Router) FailAll(err error) {
	r.mu.Lock()
	waiters := make([]*Waiter, 0, len(r.pending))
	for _, w := range r.pending {
		waiters = append(waiters, w)
	}
	r.pending = make(map[string]*Waiter)
	r.mu.Unlock()

	for _, w := range waiters {
		w.ch <- outcome{err: err}
	}

	if len(waiters) > 0 {
		r.logger.Debug("released pending waiters", "count", len(waiters), "error", err)
	}
}

// PendingCount returns the number of in-flight requests.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
