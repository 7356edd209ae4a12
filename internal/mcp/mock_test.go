package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errStreamClosed = errors.New("stream closed")

// mockTransport is an in-memory Transport for exercising the router,
// connection, dispatcher, and session without a network. Submitted
// envelopes are recorded and optionally answered by submitFn; inbound
// events are fed through a channel.
type mockTransport struct {
	mu       sync.Mutex
	submits  []*Request
	submitFn func(req *Request) error

	inbound   chan InboundEvent
	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{inbound: make(chan InboundEvent, 16)}
}

func (m *mockTransport) Submit(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.submits = append(m.submits, req)
	fn := m.submitFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return nil
}

func (m *mockTransport) Next(ctx context.Context) (InboundEvent, error) {
	select {
	case ev, ok := <-m.inbound:
		if !ok {
			return InboundEvent{}, errStreamClosed
		}
		return ev, nil
	case <-ctx.Done():
		return InboundEvent{}, ctx.Err()
	}
}

func (m *mockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.inbound) })
	return nil
}

// respond pushes a correlated response onto the inbound stream.
func (m *mockTransport) respond(id, result string) {
	data := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result)
	m.inbound <- ClassifyInbound([]byte(data))
}

// submitted returns a snapshot of recorded submissions.
func (m *mockTransport) submitted() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.submits))
	copy(out, m.submits)
	return out
}

// lastSubmit waits for at least n submissions and returns the latest.
func (m *mockTransport) lastSubmit(t *testing.T, n int) *Request {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.submits) >= n
	})
	subs := m.submitted()
	return subs[len(subs)-1]
}

// waitUntil polls cond until it holds or the deadline expires.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}
