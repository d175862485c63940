// Package fault defines the error kinds reported by the supervisor stack.
// Every OS-boundary failure is converted into one of these kinds before it
// leaves the supervisor; two kinds (ForcedKill, ConfigParseDefaulted) are
// informational and accompany an operation that still succeeded.
package fault

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindPrerequisiteMissing
	KindAlreadyRunning
	KindSpawnFailed
	KindForcedKill
	KindRestartInProgress
	KindConfigParseDefaulted
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPrerequisiteMissing:
		return "prerequisite_missing"
	case KindAlreadyRunning:
		return "already_running"
	case KindSpawnFailed:
		return "spawn_failed"
	case KindForcedKill:
		return "forced_kill"
	case KindRestartInProgress:
		return "restart_in_progress"
	case KindConfigParseDefaulted:
		return "config_parse_defaulted"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Fatal reports whether an error of this kind means the operation failed.
func (k Kind) Fatal() bool {
	return k != KindForcedKill && k != KindConfigParseDefaulted
}

// Error carries a Kind, the operation that produced it and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so callers can compare against
// the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrPrerequisiteMissing  = &Error{Kind: KindPrerequisiteMissing}
	ErrAlreadyRunning       = &Error{Kind: KindAlreadyRunning}
	ErrSpawnFailed          = &Error{Kind: KindSpawnFailed}
	ErrForcedKill           = &Error{Kind: KindForcedKill}
	ErrRestartInProgress    = &Error{Kind: KindRestartInProgress}
	ErrConfigParseDefaulted = &Error{Kind: KindConfigParseDefaulted}
	ErrShutdown             = &Error{Kind: KindShutdown}
)

// New returns an *Error of kind k for op wrapping err (err may be nil).
func New(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(k Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err represents a failed operation. nil and the
// informational kinds are not fatal; errors without a Kind are.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Fatal()
	}
	return true
}
