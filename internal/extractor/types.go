package extractor

import (
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/sift/internal/schema"
)

// Candidate holds the raw field values returned for one message, keyed by
// declared field name. Fields the oracle did not return are absent.
type Candidate map[string]schema.Value

// Get returns the value for name, or the absent value.
func (c Candidate) Get(name string) schema.Value {
	return c[name]
}

// Result is a successful extraction.
type Result struct {
	Candidate Candidate
	Attempts  int
}

// Kind classifies extraction failures.
type Kind string

const (
	KindTransport Kind = "transport_failure"
	KindMalformed Kind = "malformed_response"
	KindRefused   Kind = "refused"
)

var (
	ErrTransport = errors.New("extraction transport failure")
	ErrMalformed = errors.New("malformed extraction response")
	ErrRefused   = errors.New("extraction refused")
)

// Error is returned by Extract for every failure.
type Error struct {
	Kind      Kind
	Retryable bool
	Attempts  int
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s after %d attempt(s)", e.Kind, e.Attempts)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrRefused:
		return e.Kind == KindRefused
	}
	return false
}
