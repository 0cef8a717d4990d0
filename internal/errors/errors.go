// Package errors provides kind-tagged errors shared by the divert packages.
//
// An *Error carries a Kind that callers can branch on without string
// matching, a message, an optional underlying error and free-form
// attributes. The package also re-exports Is, As and Unwrap so importers
// do not need the standard library package alongside it.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindConflict
	KindUnavailable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a structured error with a Kind.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	switch {
	case e.Underlying == nil:
		return e.Message
	case e.Message == "":
		return e.Underlying.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err as a new Error of the specified kind. It returns nil if err
// is nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr returns err with an attribute attached. err itself is never
// modified, so sentinels can be annotated safely. The result keeps err's
// Kind, or KindInternal when err has none.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	// Annotating a bare attribute holder replaces it instead of nesting.
	if e, ok := err.(*Error); ok && e.Message == "" && e.Underlying != nil {
		attrs := make(map[string]any, len(e.Attributes)+1)
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		attrs[key] = val
		return &Error{Kind: e.Kind, Underlying: e.Underlying, Attributes: attrs}
	}

	kind := GetKind(err)
	if kind == KindUnknown {
		kind = KindInternal
	}
	return &Error{Kind: kind, Underlying: err, Attributes: map[string]any{key: val}}
}

// GetKind returns the Kind of the outermost *Error in err's chain, or
// KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes collects the attributes of every *Error in err's chain. Outer
// values win over inner ones.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)

	var e *Error
	for cur := err; cur != nil && errors.As(cur, &e); cur = e.Underlying {
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
	}

	return attrs
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join is errors.Join.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
