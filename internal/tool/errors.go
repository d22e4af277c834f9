package tool

import (
	"errors"
	"fmt"
)

// Kind classifies tool failures so callers can decide whether to retry,
// reprompt the user, or surface the error verbatim.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindTimeout    Kind = "timeout"
	KindExecution  Kind = "execution"
	KindNotFound   Kind = "not_found"
)

var (
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrRegistrySealed = errors.New("registry is sealed")
	ErrToolNotFound   = errors.New("tool not found")
)

type Error struct {
	Kind    Kind
	Tool    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, tool, message string) *Error {
	return &Error{Kind: kind, Tool: tool, Message: message}
}

func wrapError(kind Kind, tool string, err error) *Error {
	return &Error{Kind: kind, Tool: tool, Err: err}
}

// KindOf extracts the failure kind from an error chain, defaulting to
// execution for errors produced outside this package.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindExecution
}
