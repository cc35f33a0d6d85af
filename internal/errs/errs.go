// Package errs defines the domain errors the lobby, matchmaking and session
// packages return to their callers.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies the kind of domain failure. Callers map codes to transport
// responses.
type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeLobbyFull         Code = "LOBBY_FULL"
	CodePlayerExists      Code = "PLAYER_EXISTS"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeUpdateFailed      Code = "UPDATE_FAILED"
	CodeDBError           Code = "DB_ERROR"
)

// ValidationError is returned by every public operation of the core.
type ValidationError struct {
	Code    Code
	Message string
	// Details carries the ids involved, e.g. "lobby_id", "player_id".
	Details map[string]any
	Err     error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// New returns a ValidationError without a cause.
func New(code Code, msg string, details map[string]any) *ValidationError {
	return &ValidationError{Code: code, Message: msg, Details: details}
}

// Wrap returns a ValidationError that preserves cause.
func Wrap(code Code, msg string, details map[string]any, cause error) *ValidationError {
	return &ValidationError{Code: code, Message: msg, Details: details, Err: cause}
}

// CodeOf returns the code of the first ValidationError in err's chain, or ""
// if there is none.
func CodeOf(err error) Code {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
