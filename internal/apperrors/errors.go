package apperrors

import (
	"errors"
	"fmt"
)

// Category classifies caller-facing failures.
type Category string

const (
	CategoryNotFound            Category = "not_found"
	CategoryTransient           Category = "transient"
	CategoryPermanent           Category = "permanent"
	CategoryPersistenceFailure  Category = "persistence_failure"
	CategoryPartialBatchFailure Category = "partial_batch_failure"
)

// Retryable reports whether a caller may retry the same request unchanged.
func (c Category) Retryable() bool {
	return c == CategoryTransient
}

// Error is an application-level error with a category and optional cause.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error.
func New(category Category, message string, cause error) *Error {
	return &Error{Category: category, Message: message, Cause: cause}
}

func NotFound(format string, args ...any) *Error {
	return New(CategoryNotFound, fmt.Sprintf(format, args...), nil)
}

func Transient(message string, cause error) *Error {
	return New(CategoryTransient, message, cause)
}

func Permanent(message string, cause error) *Error {
	return New(CategoryPermanent, message, cause)
}

func Persistence(message string, cause error) *Error {
	return New(CategoryPersistenceFailure, message, cause)
}

// CategoryOf returns the category of the first *Error in err's chain and
// false when there is none.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}

// IsNotFound reports whether err carries CategoryNotFound.
func IsNotFound(err error) bool {
	c, ok := CategoryOf(err)
	return ok && c == CategoryNotFound
}
