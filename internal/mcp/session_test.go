package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AuraFriday/remote-mcp/internal/discovery"
)

func TestBackoffDelay(t *testing.T) {
	initial := 2 * time.Second
	max := 60 * time.Second

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, wantDelay := range want {
		attempt := i + 1
		if got := backoffDelay(attempt, initial, max); got != wantDelay {
			t.Errorf("attempt %d: delay = %s, want %s", attempt, got, wantDelay)
		}
	}
}

func TestBackoffDelay_InitialAboveMax(t *testing.T) {
	if got := backoffDelay(1, 5*time.Second, 2*time.Second); got != 2*time.Second {
		t.Errorf("delay = %s, want the cap", got)
	}
}

// controlPlane scripts the registration handshake: tools/list advertises
// the remote tool and the register call acknowledges success.
type controlPlane struct {
	mockTransport
	registered atomic.Int32
}

func newControlPlane() *controlPlane {
	cp := &controlPlane{
		mockTransport: mockTransport{inbound: make(chan InboundEvent, 16)},
	}
	cp.submitFn = func(req *Request) error {
		switch req.Method {
		case "tools/list":
			cp.respond(req.ID, `{"tools":[{"name":"remote"},{"name":"sqlite"}]}`)
		case "tools/call":
			cp.registered.Add(1)
			cp.respond(req.ID, `{"content":[{"type":"text","text":"Successfully registered tool demo_tool"}],"isError":false}`)
		}
		return nil
	}
	return cp
}

func testEndpoint() *discovery.Endpoint {
	return &discovery.Endpoint{URL: "https://127.0.0.1:3155/sse", Authorization: "Bearer tok"}
}

func fastSessionConfig() SessionConfig {
	return SessionConfig{
		Registration: Registration{
			ToolName:         "demo_tool",
			Description:      "test tool",
			CallbackEndpoint: "go-client://demo-tool-callback",
			APIKey:           "test-key",
		},
		RequestTimeout:    time.Second,
		NestedCallTimeout: time.Second,
		DiscoveryTimeout:  time.Second,
		ShutdownGrace:     time.Second,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		Logger:            testLogger(),
	}
}

func TestSession_ConnectRegisterListen(t *testing.T) {
	cp := newControlPlane()

	cfg := fastSessionConfig()
	cfg.Handler = func(_ context.Context, call *CallContext) (*Result, error) {
		var input struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return nil, err
		}
		return TextResult("echo: " + input.Message), nil
	}
	cfg.discover = func(context.Context) (*discovery.Endpoint, error) {
		return testEndpoint(), nil
	}
	cfg.dial = func(context.Context, *discovery.Endpoint) (Transport, error) {
		return cp, nil
	}

	s := NewSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateListening })
	if got := cp.registered.Load(); got != 1 {
		t.Errorf("registrations = %d, want 1", got)
	}
	if got := s.RetryCount(); got != 0 {
		t.Errorf("retry count = %d, want 0 after success", got)
	}

	// A reverse call arriving mid-session is serviced and replied to.
	cp.inbound <- ClassifyInbound([]byte(`{"reverse":{"tool":"demo_tool","call_id":"c-1","input":{"message":"hi"}}}`))
	res := replyFor(t, &cp.mockTransport, "c-1")
	if res.IsError || res.Content[0].Text != "echo: hi" {
		t.Errorf("unexpected reply: %+v", res)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("run returned %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestSession_ReconnectsAfterStreamDrop(t *testing.T) {
	var mu sync.Mutex
	planes := []*controlPlane{}

	cfg := fastSessionConfig()
	cfg.Handler = func(context.Context, *CallContext) (*Result, error) {
		return TextResult("ok"), nil
	}
	cfg.discover = func(context.Context) (*discovery.Endpoint, error) {
		return testEndpoint(), nil
	}
	cfg.dial = func(context.Context, *discovery.Endpoint) (Transport, error) {
		cp := newControlPlane()
		mu.Lock()
		planes = append(planes, cp)
		mu.Unlock()
		return cp, nil
	}

	s := NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateListening })

	// Kill the first stream; the session must rebuild and re-register.
	mu.Lock()
	first := planes[0]
	mu.Unlock()
	first.Close()

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(planes) >= 2 && planes[1].registered.Load() == 1
	})
	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateListening })

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestSession_StreamDropFailsPendingCalls(t *testing.T) {
	cp := newControlPlane()

	cfg := fastSessionConfig()
	cfg.Handler = func(context.Context, *CallContext) (*Result, error) {
		return TextResult("ok"), nil
	}
	cfg.discover = func(context.Context) (*discovery.Endpoint, error) {
		return testEndpoint(), nil
	}
	firstDial := true
	cfg.dial = func(context.Context, *discovery.Endpoint) (Transport, error) {
		if firstDial {
			firstDial = false
			return cp, nil
		}
		return nil, errors.New("connection refused")
	}

	s := NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateListening })

	cp.Close()

	// Dial keeps failing, so the retry counter climbs.
	waitUntil(t, 2*time.Second, func() bool { return s.RetryCount() >= 2 })
}

func TestSession_StreamDropReleasesWaitersWithTransportError(t *testing.T) {
	cp := &controlPlane{
		mockTransport: mockTransport{inbound: make(chan InboundEvent, 16)},
	}
	var toolCalls atomic.Int32
	cp.submitFn = func(req *Request) error {
		switch req.Method {
		case "tools/list":
			cp.respond(req.ID, `{"tools":[{"name":"remote"}]}`)
		case "tools/call":
			// Answer the registration call only; the handler's nested
			// call stays pending so the stream drop has a waiter to fail.
			if toolCalls.Add(1) == 1 {
				cp.respond(req.ID, `{"content":[{"type":"text","text":"Successfully registered tool demo_tool"}],"isError":false}`)
			}
		}
		return nil
	}

	nestedErr := make(chan error, 1)
	cfg := fastSessionConfig()
	cfg.Handler = func(ctx context.Context, call *CallContext) (*Result, error) {
		_, err := call.Conn.CallTool(ctx, "sqlite", map[string]any{})
		nestedErr <- err
		return TextResult("done"), nil
	}
	cfg.discover = func(context.Context) (*discovery.Endpoint, error) {
		return testEndpoint(), nil
	}
	firstDial := true
	cfg.dial = func(context.Context, *discovery.Endpoint) (Transport, error) {
		if firstDial {
			firstDial = false
			return cp, nil
		}
		return nil, errors.New("connection refused")
	}

	s := NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateListening })

	cp.inbound <- ClassifyInbound([]byte(`{"reverse":{"tool":"demo_tool","call_id":"c-1","input":{}}}`))
	waitUntil(t, 2*time.Second, func() bool { return toolCalls.Load() >= 2 })

	cp.Close()

	select {
	case err := <-nestedErr:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("nested call failed with %v, want ErrTransport", err)
		}
		if errors.Is(err, ErrCancelled) {
			t.Error("stream drop must not look like deliberate shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested call never released after stream drop")
	}
}

func TestSession_DiscoveryFailureRetries(t *testing.T) {
	var attempts atomic.Int32

	cfg := fastSessionConfig()
	cfg.discover = func(context.Context) (*discovery.Endpoint, error) {
		attempts.Add(1)
		return nil, discovery.ErrNotFound
	}
	cfg.dial = func(context.Context, *discovery.Endpoint) (Transport, error) {
		t.Error("dial must not run when discovery fails")
		return nil, errors.New("unreachable")
	}

	s := NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	// Discovery failure is a backoff trigger, not a crash.
	waitUntil(t, 2*time.Second, func() bool { return attempts.Load() >= 3 })

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestSession_RegistrationRejectedRetries(t *testing.T) {
	var dials atomic.Int32

	cfg := fastSessionConfig()
	cfg.discover = func(context.Context) (*discovery.Endpoint, error) {
		return testEndpoint(), nil
	}
	cfg.dial = func(context.Context, *discovery.Endpoint) (Transport, error) {
		dials.Add(1)
		cp := &controlPlane{
			mockTransport: mockTransport{inbound: make(chan InboundEvent, 16)},
		}
		// Control plane without the remote tool: registration must fail.
		cp.submitFn = func(req *Request) error {
			if req.Method == "tools/list" {
				cp.respond(req.ID, `{"tools":[{"name":"sqlite"}]}`)
			}
			return nil
		}
		return cp, nil
	}

	s := NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitUntil(t, 2*time.Second, func() bool { return dials.Load() >= 2 })
	if got := s.State(); got == StateListening {
		t.Error("session must not reach listening without registration")
	}
}

func TestSession_DrainWaitsForInflightHandler(t *testing.T) {
	cp := newControlPlane()
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	cfg := fastSessionConfig()
	cfg.Handler = func(context.Context, *CallContext) (*Result, error) {
		close(entered)
		<-release
		finished.Store(true)
		return TextResult("slow but done"), nil
	}
	cfg.discover = func(context.Context) (*discovery.Endpoint, error) {
		return testEndpoint(), nil
	}
	cfg.dial = func(context.Context, *discovery.Endpoint) (Transport, error) {
		return cp, nil
	}

	s := NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateListening })

	cp.inbound <- ClassifyInbound([]byte(`{"reverse":{"tool":"demo_tool","call_id":"c-slow","input":{}}}`))
	<-entered

	cancel()
	// Shutdown must wait for the in-flight handler, not abandon it.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after drain")
	}
	if !finished.Load() {
		t.Error("in-flight handler was abandoned during drain")
	}
}
