package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AuraFriday/remote-mcp/internal/discovery"
	"github.com/AuraFriday/remote-mcp/internal/events"
)

// State is the session's position in the connection lifecycle.
type State int

const (
	// StateDisconnected is the resting state between attempts.
	StateDisconnected State = iota
	// StateDiscovering runs endpoint discovery.
	StateDiscovering
	// StateConnecting opens the persistent event stream.
	StateConnecting
	// StateRegistering announces the tool to the control plane.
	StateRegistering
	// StateListening services the stream; the healthy steady state.
	StateListening
	// StateDraining settles in-flight work after external cancellation.
	StateDraining
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Registration is the tool identity announced to the control plane on
// every (re)connect. The control plane does not persist registrations
// across a dropped connection, so the session re-registers each time.
type Registration struct {
	ToolName         string
	Readme           string
	Description      string
	Parameters       map[string]any
	CallbackEndpoint string
	APIKey           string
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Registration is the tool identity to announce.
	Registration Registration

	// Handler services inbound reverse calls.
	Handler Handler

	// RequestTimeout bounds each correlated request (default 10s).
	RequestTimeout time.Duration

	// NestedCallTimeout bounds nested tool calls from handlers (default 30s).
	NestedCallTimeout time.Duration

	// DiscoveryTimeout bounds the helper handshake (default 5s).
	DiscoveryTimeout time.Duration

	// ShutdownGrace bounds the drain of in-flight reverse calls (default 10s).
	ShutdownGrace time.Duration

	// BackoffInitial is the first reconnect delay (default 2s).
	BackoffInitial time.Duration

	// BackoffMax caps reconnect delay growth (default 60s).
	BackoffMax time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Bus receives operational events. May be nil.
	Bus *events.Bus

	// discover and dial are test seams; nil selects the real
	// implementations.
	discover func(ctx context.Context) (*discovery.Endpoint, error)
	dial     func(ctx context.Context, ep *discovery.Endpoint) (Transport, error)
}

// Session is the top-level state machine: discovery → connect →
// register → listen, with exponential-backoff reconnection, forever,
// until externally cancelled. The endpoint is rediscovered on every
// attempt because the credential may rotate.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu    sync.Mutex
	state State
	retry int
}

// NewSession creates a session. Zero-value timing fields get defaults.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.NestedCallTimeout <= 0 {
		cfg.NestedCallTimeout = 30 * time.Second
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}

	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "session"),
	}

	if s.cfg.discover == nil {
		s.cfg.discover = func(ctx context.Context) (*discovery.Endpoint, error) {
			return discovery.Discover(ctx, discovery.Options{
				Timeout: cfg.DiscoveryTimeout,
				Logger:  cfg.Logger,
			})
		}
	}
	if s.cfg.dial == nil {
		s.cfg.dial = func(ctx context.Context, ep *discovery.Endpoint) (Transport, error) {
			return Dial(ctx, DialConfig{
				URL:           ep.URL,
				Authorization: ep.Authorization,
				Logger:        cfg.Logger,
			})
		}
	}

	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryCount returns the consecutive-failure counter feeding backoff.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	s.logger.Debug("state change", "from", from.String(), "to", to.String())
	s.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindStateChange,
		Data:      map[string]any{"from": from.String(), "to": to.String()},
	})
}

// fail records a failed attempt: back to Disconnected with the retry
// counter bumped.
func (s *Session) fail() {
	s.setState(StateDisconnected)
	s.mu.Lock()
	s.retry++
	s.mu.Unlock()
}

// Run drives the session until ctx is cancelled. Transient failures
// never escape — they are logged and feed the backoff loop. Run
// returns nil on clean shutdown.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session starting", "tool", s.cfg.Registration.ToolName)

	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}

		s.mu.Lock()
		attempt := s.retry
		s.mu.Unlock()

		if attempt > 0 {
			delay := backoffDelay(attempt, s.cfg.BackoffInitial, s.cfg.BackoffMax)
			s.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay.String())
			s.cfg.Bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceSession,
				Kind:      events.KindRetryScheduled,
				Data:      map[string]any{"attempt": attempt, "delay_sec": delay.Seconds()},
			})
			if !sleepCtx(ctx, delay) {
				s.setState(StateDisconnected)
				return nil
			}
		}

		if s.runOnce(ctx) {
			return nil
		}
	}
}

// runOnce executes one full connection attempt. It reports true when
// the session was externally cancelled and Run should return.
func (s *Session) runOnce(ctx context.Context) (cancelled bool) {
	s.setState(StateDiscovering)
	ep, err := s.cfg.discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return true
		}
		s.logger.Warn("discovery failed", "error", err)
		s.fail()
		return false
	}

	s.setState(StateConnecting)
	tr, err := s.cfg.dial(ctx, ep)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return true
		}
		s.logger.Warn("connect failed", "error", err)
		s.fail()
		return false
	}

	router := NewRouter(s.cfg.Logger, s.cfg.Bus)
	conn := NewConn(tr, router, s.cfg.Logger, s.cfg.RequestTimeout, s.cfg.NestedCallTimeout)
	disp := NewDispatcher(conn, s.cfg.Registration.ToolName, s.cfg.Handler, s.cfg.Logger, s.cfg.Bus)

	// Handlers outlive an external cancel by up to the shutdown grace,
	// so their context is detached from the run context and cancelled
	// explicitly after the drain.
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()
	router.SetReverseHandler(func(rc *ReverseCall) {
		disp.Dispatch(handlerCtx, rc)
	})

	// The single stream-reading goroutine. It is the only writer of
	// inbound events into the router.
	readerDone := make(chan error, 1)
	go func() {
		for {
			ev, nextErr := tr.Next(ctx)
			if nextErr != nil {
				readerDone <- nextErr
				return
			}
			router.Deliver(ev)
		}
	}()

	s.setState(StateRegistering)
	if err := s.register(ctx, conn); err != nil {
		if ctx.Err() != nil {
			tr.Close()
			router.FailAll(ErrCancelled)
			s.setState(StateDisconnected)
			return true
		}
		s.logger.Warn("registration failed", "error", err)
		tr.Close()
		router.FailAll(fmt.Errorf("%w: connection torn down", ErrCancelled))
		s.fail()
		return false
	}

	s.mu.Lock()
	s.retry = 0
	s.mu.Unlock()
	s.setState(StateListening)
	s.logger.Info("listening for reverse calls", "tool", s.cfg.Registration.ToolName)

	select {
	case err := <-readerDone:
		// Stream closure is a normal reconnect trigger, not a fatal
		// error. Waiters are released with ErrTransport so callers can
		// tell a dropped connection from deliberate shutdown.
		s.logger.Warn("event stream lost", "error", err)
		disp.StopAccepting()
		tr.Close()
		router.FailAll(fmt.Errorf("%w: event stream lost: %v", ErrTransport, err))
		s.fail()
		return false

	case <-ctx.Done():
		s.logger.Info("shutdown requested, draining")
		disp.StopAccepting()
		s.setState(StateDraining)
		disp.Drain(s.cfg.ShutdownGrace)
		handlerCancel()
		tr.Close()
		router.FailAll(ErrCancelled)
		s.setState(StateDisconnected)
		return true
	}
}

// register verifies the control plane exposes the remote-tool facility
// and announces our tool through it.
func (s *Session) register(ctx context.Context, conn *Conn) error {
	raw, err := conn.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("%w: tools/list: %v", ErrRegistration, err)
	}

	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("%w: parse tools/list result: %v", ErrRegistration, err)
	}

	hasRemote := false
	for _, t := range list.Tools {
		if t.Name == "remote" {
			hasRemote = true
			break
		}
	}
	if !hasRemote {
		return fmt.Errorf("%w: control plane lacks the remote tool", ErrRegistration)
	}

	reg := s.cfg.Registration
	params := map[string]any{
		"name": "remote",
		"arguments": map[string]any{
			"input": map[string]any{
				"operation":         "register",
				"tool_name":         reg.ToolName,
				"readme":            reg.Readme,
				"description":       reg.Description,
				"parameters":        reg.Parameters,
				"callback_endpoint": reg.CallbackEndpoint,
				"TOOL_API_KEY":      reg.APIKey,
			},
		},
	}

	raw, err = conn.Call(ctx, "tools/call", params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("%w: parse registration result: %v", ErrRegistration, err)
	}
	if res.IsError || len(res.Content) == 0 ||
		!strings.Contains(res.Content[0].Text, "Successfully registered tool") {
		return fmt.Errorf("%w: unexpected registration response", ErrRegistration)
	}

	s.logger.Info("tool registered", "tool", reg.ToolName)
	s.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindRegistered,
		Data:      map[string]any{"tool": reg.ToolName},
	})
	return nil
}

// backoffDelay returns the reconnect delay for the given attempt
// (1-based): initial, 2*initial, 4*initial, ... capped at max. With the
// defaults that is 2, 4, 8, 16, 32, 60, 60, ... seconds.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
