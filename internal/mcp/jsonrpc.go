package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// jsonrpcVersion is the JSON-RPC protocol version used by the control plane.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message. The control plane uses
// string identifiers so that reverse-call replies can reuse the call
// identifier as the request id.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewRequestID returns a fresh correlation identifier: a random 128-bit
// token rendered as text, unique per process.
func NewRequestID() string {
	return uuid.NewString()
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ReverseCall is an inbound request from the control plane asking this
// process's registered tool to execute.
type ReverseCall struct {
	Tool   string          `json:"tool"`
	CallID string          `json:"call_id"`
	Input  json.RawMessage `json:"input"`
}

// EventKind classifies a decoded inbound stream message.
type EventKind int

const (
	// EventMalformed is a message that matched no recognized shape.
	EventMalformed EventKind = iota
	// EventResponse carries the result of a prior outbound request.
	EventResponse
	// EventReverseCall asks our registered tool to execute.
	EventReverseCall
	// EventKeepalive is a heartbeat; ignored by the router.
	EventKeepalive
)

// String returns the event kind name for logging.
func (k EventKind) String() string {
	switch k {
	case EventResponse:
		return "response"
	case EventReverseCall:
		return "reverse_call"
	case EventKeepalive:
		return "keepalive"
	default:
		return "malformed"
	}
}

// InboundEvent is one decoded message from the event stream. Exactly
// one of Response or Reverse is set for the corresponding kinds.
type InboundEvent struct {
	Kind     EventKind
	Response *Response
	Reverse  *ReverseCall
	// Raw is the original message bytes, kept for diagnostics.
	Raw json.RawMessage
}

// inboundProbe is the superset shape used to classify stream messages.
// The control plane nests reverse calls under a "reverse" key; the flat
// {type: "reverse", tool, call_id, input} shape is also accepted.
type inboundProbe struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	Reverse *ReverseCall    `json:"reverse"`
	Tool    string          `json:"tool"`
	CallID  string          `json:"call_id"`
	Input   json.RawMessage `json:"input"`
}

// ClassifyInbound decodes one stream message into an InboundEvent.
// Malformed messages are classified, not rejected — the router logs and
// drops them.
func ClassifyInbound(data []byte) InboundEvent {
	ev := InboundEvent{Raw: json.RawMessage(data)}

	var probe inboundProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return ev
	}

	switch probe.Type {
	case "ping", "pong", "heartbeat", "keepalive":
		ev.Kind = EventKeepalive
		return ev
	case "reverse":
		if probe.CallID != "" {
			ev.Kind = EventReverseCall
			ev.Reverse = &ReverseCall{Tool: probe.Tool, CallID: probe.CallID, Input: probe.Input}
		}
		return ev
	}

	if probe.Reverse != nil && probe.Reverse.CallID != "" {
		ev.Kind = EventReverseCall
		ev.Reverse = probe.Reverse
		return ev
	}

	if probe.ID != "" && (probe.Result != nil || probe.Error != nil) {
		ev.Kind = EventResponse
		ev.Response = &Response{
			JSONRPC: jsonrpcVersion,
			ID:      probe.ID,
			Result:  probe.Result,
			Error:   probe.Error,
		}
		return ev
	}

	return ev
}
