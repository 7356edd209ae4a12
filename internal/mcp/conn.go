package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Conn binds a Transport and a Router into the blocking-looking
// request/response contract callers want: Call registers a waiter,
// submits the envelope, and awaits the correlated response from the
// stream. One Conn lives exactly as long as its connection; a reconnect
// builds a fresh one.
type Conn struct {
	transport Transport
	router    *Router
	logger    *slog.Logger

	// requestTimeout bounds Call; nestedTimeout bounds CallTool, which
	// may fan out to other tools and so gets a longer window.
	requestTimeout time.Duration
	nestedTimeout  time.Duration
}

// NewConn creates a connection handle. Zero timeouts get the protocol
// defaults (10s per request, 30s for nested tool calls).
func NewConn(transport Transport, router *Router, logger *slog.Logger, requestTimeout, nestedTimeout time.Duration) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	if nestedTimeout <= 0 {
		nestedTimeout = 30 * time.Second
	}
	return &Conn{
		transport:      transport,
		router:         router,
		logger:         logger,
		requestTimeout: requestTimeout,
		nestedTimeout:  nestedTimeout,
	}
}

// Call issues one correlated request and blocks until its response
// arrives, the per-request window elapses, or ctx is cancelled.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, c.requestTimeout)
}

// CallTool invokes another registered tool on the control plane via
// tools/call. Reverse-call handlers use this for nested orchestration;
// it shares the router with every other request, so concurrent calls
// never block each other.
func (c *Conn) CallTool(ctx context.Context, tool string, arguments any) (json.RawMessage, error) {
	params := map[string]any{
		"name":      tool,
		"arguments": arguments,
	}
	return c.call(ctx, "tools/call", params, c.nestedTimeout)
}

func (c *Conn) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := NewRequestID()

	// Register before submitting so a fast response cannot race the waiter.
	w, err := c.router.Register(id)
	if err != nil {
		return nil, err
	}

	if err := c.transport.Submit(ctx, NewRequest(id, method, params)); err != nil {
		c.router.Abandon(w)
		return nil, err
	}

	return c.router.Await(ctx, w, timeout)
}

// Reply sends the final result of a reverse call upstream. The request
// id is the reverse call's identifier and no response is awaited — the
// control plane does not acknowledge replies beyond transport accept.
func (c *Conn) Reply(ctx context.Context, callID string, result *Result) error {
	req := NewRequest(callID, "tools/reply", map[string]any{
		"result": result,
	})
	return c.transport.Submit(ctx, req)
}
