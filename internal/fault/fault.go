// Package fault defines the structured error records exchanged between the
// planes and returned to clients as error frames.
package fault

import (
	"errors"
	"fmt"
)

// Category classifies how an error should be handled by the caller.
type Category string

const (
	CategoryUnknown   Category = "unknown"
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
)

// Severity grades operator attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Well-known fault codes.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeAlreadyExists     = "already_exists"
	CodeAtCapacity        = "at_capacity"
	CodeTerminal          = "instance_terminal"
	CodeStorage           = "storage_error"
	CodeFraming           = "framing_error"
	CodeImageTooLarge     = "image_too_large"
	CodeImageInUse        = "image_in_use"
	CodeLaunchFailed      = "launch_failed"
	CodeInvalidSignal     = "invalid_signal"
	CodeInvalidTransition = "invalid_transition"
	CodeInternal          = "internal_error"
)

// Error is a structured fault. It implements error and supports wrapping.
type Error struct {
	FaultCode  string            `json:"code"`
	Message    string            `json:"message"`
	Category   Category          `json:"category"`
	Severity   Severity          `json:"severity"`
	Retryable  bool              `json:"retryable"`
	Attributes map[string]string `json:"attributes,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.FaultCode, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.FaultCode, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithAttr records a key/value detail on the fault.
func (e *Error) WithAttr(key, value string) *Error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// New constructs a fault with sensible defaults for the given category.
func New(code, message string, category Category) *Error {
	sev := SeverityError
	if category == CategoryTransient {
		sev = SeverityWarning
	}
	return &Error{
		FaultCode: code,
		Message:   message,
		Category:  category,
		Severity:  sev,
		Retryable: category == CategoryTransient,
	}
}

// Newf is New with a formatted message.
func Newf(code string, category Category, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), category)
}

// Invalid returns a permanent invalid-request fault.
func Invalid(format string, args ...any) *Error {
	return Newf(CodeInvalidRequest, CategoryPermanent, format, args...)
}

// NotFound returns a permanent not-found fault for the named entity.
func NotFound(entity, id string) *Error {
	return Newf(CodeNotFound, CategoryPermanent, "%s %q not found", entity, id).
		WithAttr("entity", entity).WithAttr("id", id)
}

// Storage wraps a database error as a transient fault.
func Storage(err error) *Error {
	return New(CodeStorage, "storage operation failed", CategoryTransient).WithCause(err)
}

// AtCapacity signals the launch cap has been reached.
func AtCapacity(limit int) *Error {
	return Newf(CodeAtCapacity, CategoryTransient, "instance capacity %d reached", limit)
}

// Code extracts the fault code from an error chain, or CodeInternal.
func Code(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.FaultCode
	}
	return CodeInternal
}

// IsRetryable reports whether the error chain carries a retryable fault.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsNotFound reports whether the error chain is a not-found fault.
func IsNotFound(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.FaultCode == CodeNotFound
	}
	return false
}
