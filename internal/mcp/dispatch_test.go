package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// replyFor waits for the tools/reply submission matching callID and
// decodes its result payload.
func replyFor(t *testing.T, mock *mockTransport, callID string) *Result {
	t.Helper()

	var found *Request
	waitUntil(t, 2*time.Second, func() bool {
		for _, req := range mock.submitted() {
			if req.Method == "tools/reply" && req.ID == callID {
				found = req
				return true
			}
		}
		return false
	})

	params, ok := found.Params.(map[string]any)
	if !ok {
		t.Fatalf("params type %T", found.Params)
	}
	raw, err := json.Marshal(params["result"])
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &res
}

func newTestDispatcher(mock *mockTransport, handler Handler) *Dispatcher {
	r := NewRouter(testLogger(), nil)
	conn := newTestConn(mock, r)
	return NewDispatcher(conn, "demo_tool", handler, testLogger(), nil)
}

func TestDispatcher_SuccessReply(t *testing.T) {
	mock := newMockTransport()
	d := newTestDispatcher(mock, func(ctx context.Context, call *CallContext) (*Result, error) {
		var input struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return nil, err
		}
		return TextResult("echo: " + input.Message), nil
	})

	d.Dispatch(context.Background(), &ReverseCall{
		Tool:   "demo_tool",
		CallID: "c-1",
		Input:  json.RawMessage(`{"message":"hi"}`),
	})

	res := replyFor(t, mock, "c-1")
	if res.IsError {
		t.Errorf("unexpected error reply: %+v", res)
	}
	if got := res.Content[0].Text; got != "echo: hi" {
		t.Errorf("text = %q, want %q", got, "echo: hi")
	}
}

func TestDispatcher_HandlerErrorBecomesErrorReply(t *testing.T) {
	mock := newMockTransport()
	d := newTestDispatcher(mock, func(context.Context, *CallContext) (*Result, error) {
		return nil, errors.New("backend unavailable")
	})

	d.Dispatch(context.Background(), &ReverseCall{Tool: "demo_tool", CallID: "c-2"})

	res := replyFor(t, mock, "c-2")
	if !res.IsError {
		t.Fatal("want isError reply")
	}
	if !strings.Contains(res.Content[0].Text, "backend unavailable") {
		t.Errorf("text = %q, want the handler error included", res.Content[0].Text)
	}
}

func TestDispatcher_PanicBecomesErrorReply(t *testing.T) {
	mock := newMockTransport()
	d := newTestDispatcher(mock, func(context.Context, *CallContext) (*Result, error) {
		panic("nil map write")
	})

	d.Dispatch(context.Background(), &ReverseCall{Tool: "demo_tool", CallID: "c-3"})

	res := replyFor(t, mock, "c-3")
	if !res.IsError {
		t.Fatal("want isError reply after panic")
	}
	if !strings.Contains(res.Content[0].Text, "panicked") {
		t.Errorf("text = %q, want panic mention", res.Content[0].Text)
	}
}

func TestDispatcher_NilResultBecomesErrorReply(t *testing.T) {
	mock := newMockTransport()
	d := newTestDispatcher(mock, func(context.Context, *CallContext) (*Result, error) {
		return nil, nil
	})

	d.Dispatch(context.Background(), &ReverseCall{Tool: "demo_tool", CallID: "c-4"})

	if res := replyFor(t, mock, "c-4"); !res.IsError {
		t.Fatal("want isError reply for nil result")
	}
}

func TestDispatcher_UnknownToolStillReplies(t *testing.T) {
	mock := newMockTransport()
	d := newTestDispatcher(mock, func(context.Context, *CallContext) (*Result, error) {
		t.Error("handler must not run for an unknown tool")
		return nil, nil
	})

	d.Dispatch(context.Background(), &ReverseCall{Tool: "someone_else", CallID: "c-5"})

	res := replyFor(t, mock, "c-5")
	if !res.IsError {
		t.Fatal("want isError reply for unknown tool")
	}
	if !strings.Contains(res.Content[0].Text, "someone_else") {
		t.Errorf("text = %q, want offending tool name", res.Content[0].Text)
	}
}

func TestDispatcher_ShutdownRejectsNewCalls(t *testing.T) {
	mock := newMockTransport()
	d := newTestDispatcher(mock, func(context.Context, *CallContext) (*Result, error) {
		return TextResult("ok"), nil
	})

	d.StopAccepting()
	d.Dispatch(context.Background(), &ReverseCall{Tool: "demo_tool", CallID: "c-6"})

	res := replyFor(t, mock, "c-6")
	if !res.IsError {
		t.Fatal("want isError reply during shutdown")
	}
	if !strings.Contains(res.Content[0].Text, "shutting down") {
		t.Errorf("text = %q, want shutdown notice", res.Content[0].Text)
	}
}

func TestDispatcher_ConcurrentCallsIndependent(t *testing.T) {
	release := make(chan struct{})
	mock := newMockTransport()
	d := newTestDispatcher(mock, func(_ context.Context, call *CallContext) (*Result, error) {
		if call.CallID == "slow" {
			<-release
		}
		return TextResult(call.CallID), nil
	})

	d.Dispatch(context.Background(), &ReverseCall{Tool: "demo_tool", CallID: "slow"})
	d.Dispatch(context.Background(), &ReverseCall{Tool: "demo_tool", CallID: "fast"})

	// The fast call's reply must not wait for the slow one.
	res := replyFor(t, mock, "fast")
	if res.Content[0].Text != "fast" {
		t.Errorf("text = %q, want fast", res.Content[0].Text)
	}

	close(release)
	replyFor(t, mock, "slow")

	if !d.Drain(time.Second) {
		t.Error("drain did not settle")
	}
}

func TestDispatcher_DispatchRacesShutdown(t *testing.T) {
	// Dispatch from one goroutine while another stops accepting and
	// drains: the accept-check and the WaitGroup increment must be
	// atomic, or Drain's Wait can overlap an Add on a zero counter and
	// panic. Every call must still get exactly one reply.
	for round := 0; round < 50; round++ {
		mock := newMockTransport()
		d := newTestDispatcher(mock, func(context.Context, *CallContext) (*Result, error) {
			return TextResult("ok"), nil
		})

		const calls = 20
		var producer sync.WaitGroup
		producer.Add(1)
		go func() {
			defer producer.Done()
			for i := 0; i < calls; i++ {
				d.Dispatch(context.Background(), &ReverseCall{
					Tool:   "demo_tool",
					CallID: fmt.Sprintf("c-%d", i),
				})
			}
		}()

		d.StopAccepting()
		if !d.Drain(2 * time.Second) {
			t.Fatal("drain did not settle")
		}
		producer.Wait()
		// Calls dispatched after the first Drain still spawn no new
		// handlers (accepting is off), but wait for their inline
		// rejection replies too.
		d.Drain(2 * time.Second)

		waitUntil(t, 2*time.Second, func() bool {
			replied := make(map[string]int)
			for _, req := range mock.submitted() {
				if req.Method == "tools/reply" {
					replied[req.ID]++
				}
			}
			if len(replied) != calls {
				return false
			}
			for id, n := range replied {
				if n != 1 {
					t.Fatalf("call %s got %d replies, want exactly 1", id, n)
				}
			}
			return true
		})
	}
}

func TestDispatcher_DrainTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	mock := newMockTransport()
	d := newTestDispatcher(mock, func(context.Context, *CallContext) (*Result, error) {
		<-release
		return TextResult("late"), nil
	})

	d.Dispatch(context.Background(), &ReverseCall{Tool: "demo_tool", CallID: "stuck"})

	if d.Drain(20 * time.Millisecond) {
		t.Error("drain reported settled with a handler still running")
	}
}
