// Remote-tool registers an external tool with a local MCP control plane
// and services reverse calls from it.
//
// On startup it discovers the control plane endpoint via the browser
// native-messaging manifest, opens the persistent event stream,
// registers the configured tool, and then listens for reverse calls
// until interrupted. Dropped connections are rebuilt automatically with
// exponential backoff; the endpoint is rediscovered on every attempt so
// rotated credentials are picked up. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); without one, a built-in demo tool is
// registered.
//
// Usage:
//
//	remote-tool serve               Connect, register, and serve reverse calls
//	remote-tool --background serve  Same, detached from the terminal
//	remote-tool version             Print version and build information
//	remote-tool -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AuraFriday/remote-mcp/internal/buildinfo"
	"github.com/AuraFriday/remote-mcp/internal/config"
	"github.com/AuraFriday/remote-mcp/internal/events"
	"github.com/AuraFriday/remote-mcp/internal/mcp"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the remote-tool command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout/stderr receive all output, and args is os.Args[1:].
// Arguments are parsed by hand — the flag package relies on
// package-level globals (flag.CommandLine), which makes it impossible
// to call run() concurrently from tests, and our argument surface is
// small enough that manual parsing is clearer than a CLI framework.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) prints the error and exits.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// The background flag is stripped up front so the re-exec'd child
	// receives the remaining arguments unchanged.
	background := false
	filtered := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--background" || a == "-background" {
			background = true
			continue
		}
		filtered = append(filtered, a)
	}
	args = filtered

	var configPath string
	var logLevel string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-log-level" && i+1 < len(args):
			logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		if background {
			return spawnBackground(stdout, args)
		}
		return runServe(ctx, stdout, configPath, logLevel)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe handles the "remote-tool serve" subcommand: the full
// discover → connect → register → listen lifecycle, until SIGINT or
// SIGTERM triggers a graceful drain.
func runServe(ctx context.Context, stdout io.Writer, configPath, logLevel string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The flag wins over the config file.
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}

	logger := newLogger(stdout, level)
	logger.Info(buildinfo.String())
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath, "tool", cfg.Tool.Name)
	} else {
		logger.Info("no config file found, using built-in demo tool", "tool", cfg.Tool.Name)
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancel it and trigger the session's drain path.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)
	go func() {
		for e := range sub {
			logger.Debug("event", "source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}()

	handler := NewDemoHandler(logger)

	session := mcp.NewSession(mcp.SessionConfig{
		Registration: mcp.Registration{
			ToolName:         cfg.Tool.Name,
			Readme:           cfg.Tool.Readme,
			Description:      cfg.Tool.Description,
			Parameters:       cfg.Tool.Parameters,
			CallbackEndpoint: cfg.Tool.CallbackEndpoint,
			APIKey:           cfg.Tool.APIKey,
		},
		Handler:           handler.Handle,
		RequestTimeout:    time.Duration(cfg.Timing.RequestTimeoutSec) * time.Second,
		NestedCallTimeout: time.Duration(cfg.Timing.NestedCallTimeoutSec) * time.Second,
		DiscoveryTimeout:  time.Duration(cfg.Timing.DiscoveryTimeoutSec) * time.Second,
		ShutdownGrace:     time.Duration(cfg.Timing.ShutdownGraceSec) * time.Second,
		BackoffInitial:    time.Duration(cfg.Timing.BackoffInitialSec) * time.Second,
		BackoffMax:        time.Duration(cfg.Timing.BackoffMaxSec) * time.Second,
		Logger:            logger,
		Bus:               bus,
	})

	err = session.Run(ctx)
	logger.Info("shutdown complete")
	return err
}

// spawnBackground re-launches the current binary detached from the
// terminal and returns immediately. The child gets the same arguments
// minus the background flag, so it runs the normal foreground path in
// its own process.
func spawnBackground(stdout io.Writer, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start background process: %w", err)
	}

	fmt.Fprintf(stdout, "remote-tool running in background (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "remote-tool - Reverse-call tool provider for a local MCP control plane")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: remote-tool [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Discover the control plane, register, and serve reverse calls")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --background       Detach from the terminal and serve in the background")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -log-level <lvl>   trace, debug, info, warn, or error (default: info)")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/remote-tool/config.yaml, /etc/remote-tool/config.yaml")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level, with the custom TRACE level rendered by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig resolves and loads the config file. With no file found
// anywhere, the built-in demo tool configuration is used and the
// returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
