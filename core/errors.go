package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic conditions that call sites wrap with context.
var (
	// Transport-level errors
	ErrTransportClosed  = errors.New("transport closed")
	ErrCallTimeout      = errors.New("call timeout")
	ErrMalformedMessage = errors.New("malformed message")

	// Server lifecycle errors
	ErrServerNotFound   = errors.New("server not found")
	ErrServerStopped    = errors.New("server stopped")
	ErrRestartExhausted = errors.New("restart budget exhausted")

	// Invocation errors
	ErrNotBound    = errors.New("capability not bound")
	ErrUnknownTool = errors.New("unknown tool")
	ErrInvalidArgs = errors.New("arguments do not match tool schema")

	// Discovery and acquisition errors
	ErrEmptyDiscovery       = errors.New("discovery returned no candidates")
	ErrPipelineExhausted    = errors.New("all candidates exhausted")
	ErrAcquisitionCancelled = errors.New("acquisition cancelled")

	// Configuration and state errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrAlreadyStarted       = errors.New("already started")
	ErrNotStarted           = errors.New("not started")
)

// Taxonomy codes carried to callers (and over HTTP). These are stable
// identifiers; the sentinel errors above are their in-process companions.
const (
	CodeTransportClosed    = "transport.closed"
	CodeTransportTimeout   = "transport.timeout"
	CodeTransportMalformed = "transport.malformed"

	CodeSpawnFailed      = "server.spawn_failed"
	CodeInitFailed       = "server.init_failed"
	CodeListFailed       = "server.list_failed"
	CodeRestartExhausted = "server.restart_exhausted"

	CodeUnknownTool = "invoke.unknown_tool"
	CodeServerError = "invoke.server_error"
	CodeNotBound    = "invoke.not_bound"
	CodeInvalidArgs = "invoke.invalid_args"

	CodeCatalogFailed = "discover.catalog_failed"
	CodeDiscoverEmpty = "discover.empty"

	CodeFetchFailed  = "install.fetch_failed"
	CodeVerifyFailed = "install.verify_failed"

	CodePipelineExhausted = "acquire.pipeline_exhausted"
	CodeAcquireCancelled  = "acquire.cancelled"

	CodeCollaboratorUnavailable = "variety.collaborator_unavailable"
)

// Error is the structured error for this module. It carries the taxonomy
// code, the operation that failed, an optional entity id, and the wrapped
// cause. Tool-server errors keep their verbatim payload in Data.
type Error struct {
	Code    string          // taxonomy code, e.g. "server.spawn_failed"
	Op      string          // operation, e.g. "mcp.Manager.StartServer"
	ID      string          // entity involved (server id, capability, ...)
	Message string          // human-readable message
	Data    json.RawMessage // verbatim payload passed through from a server
	Err     error           // underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.ID != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.ID, e.Code, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code
	}
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error with a taxonomy code.
func NewError(code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the taxonomy code from an error chain, or "" when the
// chain carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable checks if an error is a transient condition worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCallTimeout) ||
		errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, ErrEmptyDiscovery)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServerNotFound) ||
		errors.Is(err, ErrNotBound) ||
		errors.Is(err, ErrUnknownTool)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}
