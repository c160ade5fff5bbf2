// Package errors provides domain-specific error types for shellbridge.
//
// Every error in this core carries a short machine-readable Kind plus a
// human-readable message, so the dispatch layer can map failures onto
// HTTP classes and callers can branch without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindBadGateway covers connection and authentication failures
	// against the remote host (surfaced upstream as 502).
	KindBadGateway Kind = "bad_gateway"

	// KindTimeout covers handshake and command deadline overruns.  A
	// command timeout abandons only the wait; the remote process may
	// keep running.
	KindTimeout Kind = "timeout"

	// KindSessionNotFound covers unknown or disconnected session ids.
	// This is a normal, reconnect-recoverable outcome.
	KindSessionNotFound Kind = "session_not_found"

	// KindExecutionFailed covers non-zero exits on single-shot probes.
	KindExecutionFailed Kind = "execution_failed"

	// KindToolMissing covers failed project-init tool preflights.
	KindToolMissing Kind = "tool_missing"

	// KindConfigMissing covers absent external collaborators, e.g. the
	// VCS tree API needed by directory listing.
	KindConfigMissing Kind = "config_missing"

	// KindBadRequest covers malformed or unrecognized requests.
	KindBadRequest Kind = "bad_request"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNoActiveSession = &Error{Kind: KindSessionNotFound, Message: "No active session"}
	ErrTimeout         = &Error{Kind: KindTimeout, Message: "operation timed out"}
)

// Error is the canonical structured error of this core.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, optional
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so sentinel comparisons work across instances.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// ── SSH-specific context ─────────────────────────────────────────────

// SSHError wraps an SSH failure with host context and the hop at which
// it occurred ("direct", "jump", "target").
type SSHError struct {
	Op   string // "handshake", "auth", "channel", "forward"
	Hop  string
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	if e.Hop != "" {
		return fmt.Sprintf("ssh %s (%s hop) %s:%d: %v", e.Op, e.Hop, e.Host, e.Port, e.Err)
	}
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, hop, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Hop: hop, Host: host, Port: port, Err: err}
}

// BadGateway wraps a connection-layer failure, keeping the underlying
// message visible to the caller.
func BadGateway(err error) *Error {
	return &Error{Kind: KindBadGateway, Message: "connection failed", Err: err}
}

// ── Classification ───────────────────────────────────────────────────

// KindOf extracts the Kind from err, or empty if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }
