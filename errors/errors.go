// Package errors provides structured error types for the trainer.
// Errors carry a code, a category and optional context so callers can
// tell a bad option apart from an exhausted allocation.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Category classifies errors for consistent handling.
type Category string

const (
	CategoryConfig   Category = "config"   // invalid options
	CategoryData     Category = "data"     // malformed or inconsistent input
	CategoryResource Category = "resource" // memory or device exhaustion
	CategorySolver   Category = "solver"   // numerical failures
	CategoryIO       Category = "io"       // file read/write failures
)

// Error codes.
const (
	ErrInvalidParameter = "INVALID_PARAMETER"
	ErrShapeMismatch    = "SHAPE_MISMATCH"
	ErrInvalidLabel     = "INVALID_LABEL"
	ErrEmptyDataset     = "EMPTY_DATASET"
	ErrNoCandidates     = "NO_CANDIDATES"
	ErrOutOfMemory      = "OUT_OF_MEMORY"
	ErrSolverFailed     = "SOLVER_FAILED"
	ErrParseFailed      = "PARSE_FAILED"
	ErrReadFailed       = "READ_FAILED"
	ErrWriteFailed      = "WRITE_FAILED"
)

// SVMError is a structured error with context.
type SVMError struct {
	// Code identifies the error type, e.g. "INVALID_PARAMETER".
	Code string

	Category Category

	// Message describes what went wrong.
	Message string

	// Param names the offending option or field, when there is one.
	Param string

	Context map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *SVMError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Param != "" {
		fmt.Fprintf(&b, " [%s]", e.Param)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if ctx := e.ContextString(); ctx != "" {
		fmt.Fprintf(&b, " (%s)", ctx)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SVMError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an SVMError with the same code.
func (e *SVMError) Is(target error) bool {
	if t, ok := target.(*SVMError); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an SVMError.
func New(code string, category Category, message string) *SVMError {
	return &SVMError{
		Code:     code,
		Category: category,
		Message:  message,
		Context:  make(map[string]string),
	}
}

// WithParam records the parameter the error refers to.
func (e *SVMError) WithParam(name string) *SVMError {
	e.Param = name
	return e
}

// WithContext adds a context key-value pair.
func (e *SVMError) WithContext(key, value string) *SVMError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *SVMError) WithCause(cause error) *SVMError {
	e.Cause = cause
	return e
}

// ContextString returns the context entries sorted by key.
func (e *SVMError) ContextString() string {
	if len(e.Context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, e.Context[k]))
	}
	return strings.Join(parts, ", ")
}

// InvalidParameter reports a configuration value that cannot be used.
func InvalidParameter(param, format string, args ...interface{}) *SVMError {
	return New(ErrInvalidParameter, CategoryConfig, fmt.Sprintf(format, args...)).WithParam(param)
}

// Data reports malformed input data.
func Data(code, format string, args ...interface{}) *SVMError {
	return New(code, CategoryData, fmt.Sprintf(format, args...))
}

// OutOfMemory reports an allocation that could not be satisfied even at
// its smallest permitted size.
func OutOfMemory(resource string, cause error) *SVMError {
	return New(ErrOutOfMemory, CategoryResource, "unable to allocate "+resource).
		WithContext("resource", resource).
		WithCause(cause)
}

// IO wraps a file error.
func IO(code, path string, cause error) *SVMError {
	return New(code, CategoryIO, "file operation failed").
		WithContext("path", path).
		WithCause(cause)
}

// Code returns the code of the first SVMError in err's chain, or "".
func Code(err error) string {
	var se *SVMError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCategory reports whether err carries an SVMError of the given category.
func IsCategory(err error, category Category) bool {
	var se *SVMError
	if stderrors.As(err, &se) {
		return se.Category == category
	}
	return false
}
