package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AuraFriday/remote-mcp/internal/config"
	"github.com/AuraFriday/remote-mcp/internal/httpkit"
)

// Transport is one logical session with the control plane, carrying two
// independent capabilities: one-shot outbound command submission and a
// persistent inbound event stream.
//
// Submit succeeds when the server has accepted the envelope for
// asynchronous processing — the logical result, if any, arrives later
// via Next. A transport is single-use: once Next returns an error the
// session must Dial a fresh one.
type Transport interface {
	// Submit delivers one JSON-RPC envelope. Success means accepted,
	// not answered.
	Submit(ctx context.Context, req *Request) error

	// Next blocks until the next inbound event is decoded from the
	// stream. A returned error means the stream is dead.
	Next(ctx context.Context) (InboundEvent, error)

	// Close tears down both channels.
	Close() error
}

// DialConfig carries the discovered endpoint into Dial.
type DialConfig struct {
	// URL is the event-stream URL from discovery.
	URL string

	// Authorization is the full Authorization header value.
	Authorization string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// endpointHandshakeTimeout bounds the wait for the stream's opening
// endpoint advertisement.
const endpointHandshakeTimeout = 10 * time.Second

// Dial opens the persistent event stream and returns a ready transport.
// The URL scheme selects the stream flavor: ws/wss opens a WebSocket,
// anything else opens an SSE connection. TLS verification is relaxed in
// both cases — the peer is a localhost control plane with a self-signed
// certificate.
func Dial(ctx context.Context, cfg DialConfig) (Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return dialWS(ctx, u, cfg.Authorization, logger)
	default:
		return dialSSE(ctx, u, cfg.Authorization, logger)
	}
}

// sseTransport is the SSE flavor: commands are POSTed to the message
// endpoint the stream advertises in its opening "endpoint" event, and
// inbound events arrive as data frames on the long-lived GET.
type sseTransport struct {
	auth       string
	base       *url.URL
	streamBody io.ReadCloser
	scanner    *bufio.Scanner
	postClient *http.Client
	logger     *slog.Logger

	mu         sync.RWMutex
	messageURL string
	sessionID  string

	closeOnce sync.Once
}

func dialSSE(ctx context.Context, u *url.URL, auth string, logger *slog.Logger) (*sseTransport, error) {
	streamClient := httpkit.NewClient(
		httpkit.WithTimeout(0), // the stream stays open indefinitely
		httpkit.WithTLSInsecureSkipVerify(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: open event stream: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("%w: event stream returned %d: %s", ErrTransport, resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	t := &sseTransport{
		auth:       auth,
		base:       u,
		streamBody: resp.Body,
		scanner:    scanner,
		postClient: httpkit.NewClient(httpkit.WithTLSInsecureSkipVerify()),
		logger:     logger.With("transport", "sse"),
	}

	// The server's first event advertises the message endpoint. Without
	// it there is nowhere to POST, so the dial is not complete until it
	// arrives. The timer unblocks a stalled handshake by closing the body.
	handshakeTimer := time.AfterFunc(endpointHandshakeTimeout, func() { resp.Body.Close() })
	defer handshakeTimer.Stop()

	for t.MessageURL() == "" {
		data, err := t.nextData(true)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: no endpoint event received: %v", ErrTransport, err)
		}
		// Data arriving before the endpoint advertisement has no waiter
		// and nowhere to go yet; keep a trace of what was dropped.
		if len(data) > 0 {
			t.logger.Debug("dropping stream message before endpoint advertisement", "raw", string(data))
		}
	}

	t.logger.Info("event stream connected", "session_id", t.SessionID())
	return t, nil
}

// MessageURL returns the absolute URL commands are POSTed to.
func (t *sseTransport) MessageURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messageURL
}

// SessionID returns the stream's session identifier, if advertised.
func (t *sseTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// setEndpoint records the advertised message endpoint path, resolving
// it against the stream URL's scheme and host.
func (t *sseTransport) setEndpoint(raw string) {
	ref, err := url.Parse(raw)
	if err != nil {
		t.logger.Warn("ignoring unparsable endpoint advertisement", "value", raw)
		return
	}
	resolved := t.base.ResolveReference(ref)

	t.mu.Lock()
	t.messageURL = resolved.String()
	t.sessionID = resolved.Query().Get("session_id")
	t.mu.Unlock()
}

// nextData reads SSE lines until one complete non-endpoint data payload
// is assembled. Endpoint advertisements are absorbed along the way;
// with stopAtEndpoint set the read returns (nil, nil) right after one
// is recorded, so the dial handshake never consumes events that belong
// to the session proper.
func (t *sseTransport) nextData(stopAtEndpoint bool) ([]byte, error) {
	var eventType string
	var data []string

	for t.scanner.Scan() {
		line := strings.TrimRight(t.scanner.Text(), "\r")

		if line == "" {
			// Blank line terminates one SSE event.
			if len(data) > 0 {
				payload := strings.Join(data, "\n")
				if eventType == "endpoint" {
					t.setEndpoint(payload)
					if stopAtEndpoint {
						return nil, nil
					}
					eventType = ""
					data = nil
					continue
				}
				return []byte(payload), nil
			}
			eventType = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			// SSE comment, commonly used as a keepalive.
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		}
	}

	if err := t.scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: stream read: %v", ErrTransport, err)
	}
	return nil, fmt.Errorf("%w: event stream closed", ErrTransport)
}

// Next decodes the next inbound event from the stream.
func (t *sseTransport) Next(ctx context.Context) (InboundEvent, error) {
	if err := ctx.Err(); err != nil {
		return InboundEvent{}, err
	}

	data, err := t.nextData(false)
	if err != nil {
		return InboundEvent{}, err
	}

	t.logger.Log(ctx, config.LevelTrace, "stream message", "raw", string(data))
	return ClassifyInbound(data), nil
}

// Submit POSTs one envelope to the message endpoint. HTTP 202 is the
// only success status — the server acknowledges receipt, nothing more.
func (t *sseTransport) Submit(ctx context.Context, req *Request) error {
	target := t.MessageURL()
	if target == "" {
		return fmt.Errorf("%w: no message endpoint", ErrTransport)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create command request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.auth != "" {
		httpReq.Header.Set("Authorization", t.auth)
	}

	resp, err := t.postClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: submit %s: %v", ErrTransport, req.Method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("%w: submit %s returned %d: %s", ErrTransport, req.Method, resp.StatusCode, errBody)
	}
	return nil
}

// Close shuts the stream down. Safe to call more than once.
func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() {
		t.streamBody.Close()
		t.postClient.CloseIdleConnections()
	})
	return nil
}
