// Package mcp implements the reverse-MCP transport engine: it registers
// this process as a callable tool with a local control-plane server and
// services inbound reverse calls while remaining able to issue outbound
// calls to other registered tools.
//
// The wire protocol is JSON-RPC 2.0 over two logically separate
// channels: outbound commands are POSTed to a message endpoint (the
// server acknowledges receipt with HTTP 202 only), and all logical
// results arrive later on a persistent event stream (SSE, or WebSocket
// when the discovered URL uses a ws/wss scheme). The Router correlates
// the two channels by request identifier; the Dispatcher turns inbound
// reverse calls into handler invocations with an exactly-one-reply
// guarantee; the Session drives the connection state machine with
// exponential-backoff reconnection and automatic re-registration.
package mcp
