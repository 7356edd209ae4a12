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

// ContentBlock is a single content item in a tool result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the payload every reverse call replies with.
type Result struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// TextResult builds a successful single-text result.
func TextResult(text string) *Result {
	return &Result{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds an error result with a diagnostic text entry.
func ErrorResult(text string) *Result {
	return &Result{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

// CallContext is everything a handler needs to service one reverse
// call, including the connection handle for nested tool calls.
type CallContext struct {
	// Tool is the tool name the control plane addressed.
	Tool string
	// CallID identifies this invocation; the reply reuses it.
	CallID string
	// Input is the raw call payload from the control plane.
	Input json.RawMessage
	// Conn issues nested outbound calls on the same connection.
	Conn *Conn
}

// Handler services one reverse call. Returning an error (or panicking)
// produces an isError reply; the handler never has to worry about the
// reply contract itself.
type Handler func(ctx context.Context, call *CallContext) (*Result, error)

// Dispatcher turns inbound reverse calls into handler invocations and
// guarantees exactly one reply per call, whatever the handler does.
// Calls run concurrently and independently; a slow handler never delays
// another call's reply.
type Dispatcher struct {
	conn     *Conn
	toolName string
	handler  Handler
	logger   *slog.Logger
	bus      *events.Bus

	// mu makes the accepting check and the WaitGroup increment atomic
	// with respect to StopAccepting. Without it a call could pass the
	// check, lose the race to StopAccepting+Drain, and call wg.Add
	// while wg.Wait is running on a zero counter, which panics.
	mu        sync.Mutex
	accepting bool
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the registered tool name.
// bus may be nil.
func NewDispatcher(conn *Conn, toolName string, handler Handler, logger *slog.Logger, bus *events.Bus) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		conn:      conn,
		toolName:  toolName,
		handler:   handler,
		logger:    logger.With("component", "dispatch"),
		bus:       bus,
		accepting: true,
	}
}

// Dispatch services one reverse call in its own goroutine. During
// shutdown new calls are answered immediately with an error reply
// rather than silently dropped — the upstream caller must never be
// left without a reply.
func (d *Dispatcher) Dispatch(ctx context.Context, rc *ReverseCall) {
	d.logger.Info("reverse call received", "tool", rc.Tool, "call_id", rc.CallID)
	d.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDispatch,
		Kind:      events.KindReverseCall,
		Data:      map[string]any{"tool": rc.Tool, "call_id": rc.CallID},
	})

	d.mu.Lock()
	accepted := d.accepting
	if accepted {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if !accepted {
		d.reply(ctx, rc.CallID, ErrorResult("tool provider is shutting down"))
		return
	}

	go func() {
		defer d.wg.Done()
		d.reply(ctx, rc.CallID, d.handle(ctx, rc))
	}()
}

// handle runs the application handler and converts every failure mode
// into an error-shaped result.
func (d *Dispatcher) handle(ctx context.Context, rc *ReverseCall) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "call_id", rc.CallID, "panic", r)
			result = ErrorResult(fmt.Sprintf("tool handler panicked: %v", r))
		}
	}()

	if rc.Tool != d.toolName {
		d.logger.Warn("reverse call for unknown tool", "tool", rc.Tool, "want", d.toolName)
		return ErrorResult(fmt.Sprintf("unknown tool %q (this provider serves %q)", rc.Tool, d.toolName))
	}

	res, err := d.handler(ctx, &CallContext{
		Tool:   rc.Tool,
		CallID: rc.CallID,
		Input:  rc.Input,
		Conn:   d.conn,
	})
	if err != nil {
		d.logger.Warn("handler failed", "call_id", rc.CallID, "error", err)
		return ErrorResult(fmt.Sprintf("tool handler failed: %v", err))
	}
	if res == nil {
		return ErrorResult("tool handler returned no result")
	}
	return res
}

// reply submits the one reply this call gets. A failed submission can
// only be logged — the connection is gone and the session will rebuild.
func (d *Dispatcher) reply(ctx context.Context, callID string, result *Result) {
	if err := d.conn.Reply(ctx, callID, result); err != nil {
		d.logger.Error("failed to send reply", "call_id", callID, "error", err)
		return
	}

	d.logger.Info("reply sent", "call_id", callID, "is_error", result.IsError)
	d.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDispatch,
		Kind:      events.KindReplySent,
		Data:      map[string]any{"call_id": callID, "is_error": result.IsError},
	})
}

// StopAccepting makes subsequent reverse calls fail fast with an error
// reply. In-flight handlers are unaffected. Once this returns, no new
// handler goroutines can start, so a following Drain observes a
// monotonically shrinking WaitGroup.
func (d *Dispatcher) StopAccepting() {
	d.mu.Lock()
	d.accepting = false
	d.mu.Unlock()
}

// Drain waits up to grace for in-flight handlers to finish. Reports
// whether everything settled in time.
func (d *Dispatcher) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		d.logger.Warn("shutdown grace expired with handlers still running")
		return false
	}
}
