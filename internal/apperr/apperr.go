// Package apperr classifies the failures that cross component boundaries.
//
// Conversational failures are recovered by the turn controller, capability
// failures are handed back to the reasoner as tool errors, and vision
// failures become HTTP error responses. All of them are *Error values so
// callers can branch with errors.Is on the kind sentinels.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure category.
type Kind int

const (
	KindUnknown Kind = iota
	KindTranscription
	KindReasoning
	KindSynthesis
	KindCapabilityUnavailable
	KindExternalService
	KindClientInput
)

func (k Kind) String() string {
	switch k {
	case KindTranscription:
		return "transcription_failure"
	case KindReasoning:
		return "reasoning_failure"
	case KindSynthesis:
		return "synthesis_failure"
	case KindCapabilityUnavailable:
		return "capability_unavailable"
	case KindExternalService:
		return "external_service_failure"
	case KindClientInput:
		return "client_input_invalid"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrTranscription         = &Error{Kind: KindTranscription}
	ErrReasoning             = &Error{Kind: KindReasoning}
	ErrSynthesis             = &Error{Kind: KindSynthesis}
	ErrCapabilityUnavailable = &Error{Kind: KindCapabilityUnavailable}
	ErrExternalService       = &Error{Kind: KindExternalService}
	ErrClientInput           = &Error{Kind: KindClientInput}
)

// Error carries a kind, the operation that failed and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with kind and op. A nil err still yields an error so that
// callers can report kind-only failures such as an empty upload.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that sentinels match wrapped instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
