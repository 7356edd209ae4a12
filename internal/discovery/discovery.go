// Package discovery locates the control plane endpoint and credential.
//
// The control plane installer drops a Chrome native-messaging manifest
// (com.aurafriday.shim.json) into a conventional per-OS directory. The
// manifest names a helper executable; running it and reading a single
// length-framed JSON message from its stdout yields the server URL and
// the Authorization header value. The helper is a long-running stdio
// service by design, so it is terminated as soon as the one message has
// been consumed.
//
// Discovery performs no retries — reconnect policy belongs to the
// session layer, which rediscovers before every attempt because the
// credential may rotate between connections.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/AuraFriday/remote-mcp/internal/framing"
)

// manifestName is the native-messaging manifest installed by the
// control plane.
const manifestName = "com.aurafriday.shim.json"

// ErrNotFound indicates no native-messaging manifest exists at any of
// the conventional locations.
var ErrNotFound = errors.New("discovery: native messaging manifest not found")

// ErrHandshake indicates the helper subprocess produced no usable
// endpoint: no output, a malformed or oversized frame, or a payload
// lacking a URL or credential.
var ErrHandshake = errors.New("discovery: handshake failed")

// Endpoint is the discovered control plane address and credential.
// Immutable once returned; discarded and rediscovered on reconnect.
type Endpoint struct {
	// URL is the event-stream base URL (e.g., https://localhost:8443/sse).
	URL string
	// Authorization is the full Authorization header value.
	Authorization string
}

// Options configures a discovery run.
type Options struct {
	// Timeout bounds the helper-subprocess handshake (default 5s).
	Timeout time.Duration

	// MaxFrame bounds the handshake frame size (default framing.MaxFrameSize).
	MaxFrame uint32

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// searchPaths overrides the manifest search list in tests.
	searchPaths []string
}

// manifest is the native-messaging manifest file contents. Only the
// helper path matters to discovery.
type manifest struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// serverEntry is one server block in the handshake payload.
type serverEntry struct {
	URL     string            `json:"url"`
	Note    string            `json:"note"`
	Headers map[string]string `json:"headers"`
}

// handshakePayload is the JSON message emitted by the helper. The usual
// shape nests servers one level under mcpServers; a flat {url, token}
// shape is tolerated as a fallback.
type handshakePayload struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
	URL        string                 `json:"url"`
	Token      string                 `json:"token"`
}

// Discover locates the manifest, runs the helper, and returns the
// endpoint it advertises.
func Discover(ctx context.Context, opts Options) (*Endpoint, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	paths := opts.searchPaths
	if paths == nil {
		paths = ManifestSearchPaths()
	}

	manifestPath, err := findManifest(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("found native messaging manifest", "path", manifestPath)

	m, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	payload, err := runHelper(ctx, m.Path, opts.Timeout, opts.MaxFrame, logger)
	if err != nil {
		return nil, err
	}

	ep, err := parseEndpoint(payload)
	if err != nil {
		return nil, err
	}

	logger.Info("discovered control plane endpoint", "url", ep.URL)
	return ep, nil
}

// ManifestSearchPaths returns the per-OS manifest locations in priority
// order. First match wins.
func ManifestSearchPaths() []string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(home, "AppData", "Local")
		}
		return []string{filepath.Join(localAppData, "AuraFriday", manifestName)}

	case "darwin":
		return []string{
			filepath.Join(home, "Library/Application Support/Google/Chrome/NativeMessagingHosts", manifestName),
			filepath.Join(home, "Library/Application Support/Chromium/NativeMessagingHosts", manifestName),
			filepath.Join(home, "Library/Application Support/Microsoft Edge/NativeMessagingHosts", manifestName),
		}

	default: // linux and friends
		return []string{
			filepath.Join(home, ".config/google-chrome/NativeMessagingHosts", manifestName),
			filepath.Join(home, ".config/chromium/NativeMessagingHosts", manifestName),
			filepath.Join(home, ".config/microsoft-edge/NativeMessagingHosts", manifestName),
		}
	}
}

// findManifest returns the first existing path from the list.
func findManifest(paths []string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched %d locations)", ErrNotFound, len(paths))
}

// readManifest parses the manifest file into a typed record.
func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Path == "" {
		return nil, fmt.Errorf("manifest %s: missing helper path", path)
	}
	return &m, nil
}

// runHelper launches the helper executable and reads exactly one frame
// from its stdout, then terminates it.
func runHelper(ctx context.Context, helperPath string, timeout time.Duration, maxFrame uint32, logger *slog.Logger) ([]byte, error) {
	if _, err := os.Stat(helperPath); err != nil {
		return nil, fmt.Errorf("%w: helper not found: %s", ErrHandshake, helperPath)
	}

	cmd := exec.Command(helperPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start helper %s: %w", helperPath, err)
	}
	logger.Debug("helper subprocess started", "path", helperPath, "pid", cmd.Process.Pid)

	// The helper stays alive indefinitely once started, so the frame
	// read happens in a goroutine and the subprocess is killed as soon
	// as the read settles one way or the other.
	type frameResult struct {
		payload []byte
		err     error
	}
	ch := make(chan frameResult, 1)
	go func() {
		payload, decodeErr := framing.Decode(stdout, maxFrame)
		ch <- frameResult{payload: payload, err: decodeErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res frameResult
	select {
	case res = <-ch:
	case <-timer.C:
		res = frameResult{err: fmt.Errorf("%w: no frame within %s", ErrHandshake, timeout)}
	case <-ctx.Done():
		res = frameResult{err: ctx.Err()}
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	if res.err != nil {
		if errors.Is(res.err, framing.ErrTruncatedFrame) || errors.Is(res.err, framing.ErrFrameTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, res.err)
		}
		return nil, res.err
	}
	return res.payload, nil
}

// parseEndpoint extracts the URL and credential from the handshake
// payload, trying the nested mcpServers shape first and the flat
// {url, token} shape as a fallback.
func parseEndpoint(payload []byte) (*Endpoint, error) {
	var hp handshakePayload
	if err := json.Unmarshal(payload, &hp); err != nil {
		return nil, fmt.Errorf("%w: parse payload: %v", ErrHandshake, err)
	}

	for _, server := range hp.MCPServers {
		if server.URL == "" {
			continue
		}
		return &Endpoint{
			URL:           server.URL,
			Authorization: server.Headers["Authorization"],
		}, nil
	}

	if hp.URL != "" {
		auth := ""
		if hp.Token != "" {
			auth = "Bearer " + hp.Token
		}
		return &Endpoint{URL: hp.URL, Authorization: auth}, nil
	}

	return nil, fmt.Errorf("%w: payload lacks a server URL", ErrHandshake)
}
