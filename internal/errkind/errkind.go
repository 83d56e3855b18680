// File: internal/errkind/errkind.go
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to surface it,
// degrade it to "no data", or ask the user for input.
type Kind string

const (
	// NotFound indicates a tag or commit does not exist.
	NotFound Kind = "NOT_FOUND"
	// InvalidInput indicates malformed input that retrying will not fix.
	InvalidInput Kind = "INVALID_INPUT"
	// ExternalToolFailure indicates a git invocation failed or timed out.
	ExternalToolFailure Kind = "EXTERNAL_TOOL_FAILURE"
	// ExternalFetchFailure indicates an HTTP fetch for a reference or issue failed.
	ExternalFetchFailure Kind = "EXTERNAL_FETCH_FAILURE"
	// AmbiguousResolution indicates more than one equally valid tag candidate.
	AmbiguousResolution Kind = "AMBIGUOUS_RESOLUTION"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether any error in the chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
