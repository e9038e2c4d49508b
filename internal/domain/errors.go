package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrorKind is the machine-distinguishable class of a failure.
type ErrorKind string

const (
	KindAuthFailed          ErrorKind = "auth_failed"
	KindBusy                ErrorKind = "busy"
	KindInvalidStrategy     ErrorKind = "invalid_strategy"
	KindPreconditionFailed  ErrorKind = "precondition_failed"
	KindCommandFailed       ErrorKind = "command_failed"
	KindTimeout             ErrorKind = "timeout"
	KindNotFound            ErrorKind = "not_found"
	KindIOError             ErrorKind = "io_error"
	KindServiceStartTimeout ErrorKind = "service_start_timeout"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind        ErrorKind
	Msg         string
	ExitCode    int    // CommandFailed only
	Diagnostics string // captured stderr, CommandFailed only
	Err         error
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// CommandFailed builds a CommandFailed error with its exit code and diagnostics.
func CommandFailed(msg string, exitCode int, diagnostics string) *Error {
	return &Error{Kind: KindCommandFailed, Msg: msg, ExitCode: exitCode, Diagnostics: diagnostics}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Kind == KindCommandFailed {
		s += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrBusy) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthFailed          = &Error{Kind: KindAuthFailed}
	ErrBusy                = &Error{Kind: KindBusy}
	ErrInvalidStrategy     = &Error{Kind: KindInvalidStrategy}
	ErrPreconditionFailed  = &Error{Kind: KindPreconditionFailed}
	ErrCommandFailed       = &Error{Kind: KindCommandFailed}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrIOError             = &Error{Kind: KindIOError}
	ErrServiceStartTimeout = &Error{Kind: KindServiceStartTimeout}
)

// KindOf extracts the kind of err, or "" if err is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Exit codes for the CLI.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitInvalid = 2
	ExitTimeout = 3
)

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindInvalidStrategy, KindPreconditionFailed:
		return ExitInvalid
	case KindTimeout, KindServiceStartTimeout:
		return ExitTimeout
	default:
		return ExitFailure
	}
}

// Describe returns a short human-readable status line for err.
func Describe(err error) string {
	var de *Error
	if !errors.As(err, &de) {
		return err.Error()
	}
	switch de.Kind {
	case KindAuthFailed:
		return "invalid password"
	case KindBusy:
		return "another operation is in progress"
	case KindInvalidStrategy:
		return "unknown strategy: " + de.Msg
	case KindCommandFailed:
		d := ClipHead(de.Diagnostics, 150)
		if d == "" {
			d = "command failed"
		}
		return fmt.Sprintf("%s: %s", de.Msg, d)
	case KindTimeout:
		return de.Msg + ": timed out"
	case KindNotFound:
		return "not found: " + de.Msg
	case KindIOError:
		return "could not save settings: " + de.Msg
	case KindServiceStartTimeout:
		return "service failed to start"
	}
	return de.Error()
}

// ClipHead returns at most n bytes from the start of s without splitting a
// UTF-8 sequence. Script output is often localized.
func ClipHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

// ClipTail returns at most n bytes from the end of s without splitting a
// UTF-8 sequence.
func ClipTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
