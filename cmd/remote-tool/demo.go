package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AuraFriday/remote-mcp/internal/mcp"
)

// sqliteUnlockToken gates the control plane's built-in sqlite tool. The
// demo handler uses it for the nested-call round trip.
const sqliteUnlockToken = "29e63eb5"

// DemoHandler is the built-in reverse-call handler: it echoes messages
// back, and for a couple of recognized phrases it additionally calls
// the control plane's sqlite tool and appends that result. The nested
// call is the interesting part — it proves a reverse call can itself
// issue outbound requests on the same connection while the stream keeps
// flowing.
type DemoHandler struct {
	logger *slog.Logger
}

// NewDemoHandler creates the demo handler. logger must not be nil.
func NewDemoHandler(logger *slog.Logger) *DemoHandler {
	return &DemoHandler{logger: logger.With("component", "demo")}
}

// Handle services one reverse call.
func (h *DemoHandler) Handle(ctx context.Context, call *mcp.CallContext) (*mcp.Result, error) {
	var input struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}

	reply := "Echo from Go tool: " + input.Message

	if sql, ok := sqliteQueryFor(input.Message); ok {
		h.logger.Info("running nested sqlite call", "call_id", call.CallID, "sql", sql.SQL)
		reply += "\n\n" + h.nestedSQLite(ctx, call, sql)
	}

	return mcp.TextResult(reply), nil
}

// sqliteQuery is one recognized nested-call request.
type sqliteQuery struct {
	SQL      string
	Database string
}

// sqliteQueryFor maps recognized message phrases to sqlite commands.
// Unrecognized messages get a plain echo and no nested call.
func sqliteQueryFor(message string) (sqliteQuery, bool) {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "list databases"), strings.Contains(lower, "list db"):
		return sqliteQuery{SQL: ".databases"}, true

	case strings.Contains(lower, "list tables"):
		q := sqliteQuery{SQL: ".tables"}
		// "list tables in <database>" pins the query to one database.
		if _, after, found := strings.Cut(lower, "list tables in "); found {
			q.Database = strings.TrimSpace(after)
		}
		return q, true
	}

	return sqliteQuery{}, false
}

// nestedSQLite runs one sqlite tool call and renders its outcome as
// text. Failures are folded into the reply rather than failing the
// whole reverse call — the echo part is still worth delivering.
func (h *DemoHandler) nestedSQLite(ctx context.Context, call *mcp.CallContext, q sqliteQuery) string {
	input := map[string]any{
		"sql":               q.SQL,
		"tool_unlock_token": sqliteUnlockToken,
	}
	if q.Database != "" {
		input["database"] = q.Database
	}

	raw, err := call.Conn.CallTool(ctx, "sqlite", map[string]any{"input": input})
	if err != nil {
		h.logger.Warn("nested sqlite call failed", "call_id", call.CallID, "error", err)
		return fmt.Sprintf("[sqlite call failed: %v]", err)
	}

	var res mcp.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Sprintf("[sqlite result unreadable: %v]", err)
	}

	var texts []string
	for _, block := range res.Content {
		if block.Type == "text" && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	body := strings.Join(texts, "\n")
	if body == "" {
		body = "(empty result)"
	}

	if res.IsError {
		return "[sqlite error] " + body
	}
	return "Result of " + q.SQL + ":\n" + body
}
