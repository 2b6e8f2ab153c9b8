// Package errors provides the structured error type used across the watch and
// serve pipeline, together with a small handler that routes errors to the
// structured logger according to their type and recoverability.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeRender   ErrorType = "render"
	ErrorTypeWatch    ErrorType = "watch"
	ErrorTypeIO       ErrorType = "io"
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeInternal ErrorType = "internal"
)

// ServeError is a structured error type with context.
type ServeError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Path        string
	Recoverable bool
}

// Error implements the error interface.
func (e *ServeError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *ServeError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *ServeError) Is(target error) bool {
	var t *ServeError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *ServeError) WithContext(key string, value interface{}) *ServeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithPath records the file the error relates to.
func (e *ServeError) WithPath(path string) *ServeError {
	e.Path = path

	return e
}

// NewRenderError creates a render error. Render failures never end a session.
func NewRenderError(code, message string, cause error) *ServeError {
	return &ServeError{
		Type:        ErrorTypeRender,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewWatchError creates a watch setup or runtime error.
func NewWatchError(code, message string, cause error) *ServeError {
	return &ServeError{
		Type:        ErrorTypeWatch,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *ServeError {
	return &ServeError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string, cause error) *ServeError {
	return &ServeError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *ServeError {
	return &ServeError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var se *ServeError
	if errors.As(err, &se) {
		return se.Recoverable
	}

	return false
}

// IsType reports whether err is a ServeError of the given type.
func IsType(err error, t ErrorType) bool {
	var se *ServeError
	if errors.As(err, &se) {
		return se.Type == t
	}

	return false
}

// Common error codes.
const (
	CodeRenderFailed      = "RENDER_FAILED"
	CodeRenderPanic       = "RENDER_PANIC"
	CodeWatchSetup        = "WATCH_SETUP"
	CodeWatchRuntime      = "WATCH_RUNTIME"
	CodeFingerprint       = "FINGERPRINT"
	CodeStaging           = "STAGING"
	CodeProjectLoad       = "PROJECT_LOAD"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeTransportShutdown = "TRANSPORT_SHUTDOWN"
	CodeListen            = "LISTEN"
)

// ErrRenderFailed wraps a renderer failure for the given input.
func ErrRenderFailed(input string, cause error) *ServeError {
	return NewRenderError(CodeRenderFailed, "render failed", cause).WithPath(input)
}

// ErrWatchSetup wraps a failure to establish a filesystem watch on root.
func ErrWatchSetup(root string, cause error) *ServeError {
	return NewWatchError(CodeWatchSetup, "failed to initialize file watcher", cause).WithPath(root)
}

// Logger is the subset of the structured logger used by ErrorHandler.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs err. Recoverable errors are logged as warnings.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var se *ServeError
	if !errors.As(err, &se) {
		h.logger.Error(ctx, err, "Unexpected error occurred")
		return
	}

	fields := []interface{}{"type", string(se.Type), "code", se.Code}
	if se.Path != "" {
		fields = append(fields, "path", se.Path)
	}
	for k, v := range se.Context {
		fields = append(fields, k, v)
	}

	if se.Recoverable {
		h.logger.Warn(ctx, se.Cause, se.Message, fields...)
		return
	}
	h.logger.Error(ctx, se.Cause, se.Message, fields...)
}
