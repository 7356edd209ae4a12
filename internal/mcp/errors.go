package mcp

import "errors"

// Sentinel errors for the transport engine. Callers match with errors.Is.
var (
	// ErrTimedOut indicates no correlated response arrived within the
	// per-request window. The connection itself remains healthy.
	ErrTimedOut = errors.New("mcp: request timed out")

	// ErrCancelled indicates the request was abandoned because the
	// connection dropped or the engine is shutting down.
	ErrCancelled = errors.New("mcp: request cancelled")

	// ErrDuplicateID indicates a waiter was registered twice for the
	// same identifier. This is a programming error, not a wire fault.
	ErrDuplicateID = errors.New("mcp: duplicate request id")

	// ErrTransport indicates the outbound channel rejected a submission
	// or the event stream failed.
	ErrTransport = errors.New("mcp: transport error")

	// ErrRegistration indicates the control plane did not acknowledge
	// the tool registration.
	ErrRegistration = errors.New("mcp: tool registration failed")
)
