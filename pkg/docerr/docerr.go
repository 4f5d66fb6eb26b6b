// Package docerr classifies failures in the document acquisition
// pipeline so that fetch, cache and orchestration code agree on a
// single error vocabulary.
package docerr

import (
	"errors"
	"fmt"
)

// Kind labels a failure class.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindHTTP          Kind = "http_error"
	KindInvalidFormat Kind = "invalid_format"
	KindDuplicateKey  Kind = "duplicate_key"
	KindExtraction    Kind = "extraction_failed"
	KindStorage       Kind = "storage_error"
)

// ErrDuplicateKey signals that a complete cache entry already holds the
// key being registered. Callers treat it as a benign race, not a fault.
var ErrDuplicateKey = &Error{Kind: KindDuplicateKey, Op: "register", Message: "key already registered"}

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two classified errors by kind, so
// errors.Is(err, ErrDuplicateKey) works across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a classified error without a cause.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification from err, or "" when err is nil or
// unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
