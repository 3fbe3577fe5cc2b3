// Package errors provides the structured error type used across buildwatch.
//
// Errors carry a category (ErrorType), a stable code and an optional cause.
// Per-rebuild failures are recoverable and never stop a watch session;
// setup, disposal and internal errors are not.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeWatch      ErrorType = "watch"
	ErrorTypeRender     ErrorType = "render"
	ErrorTypeInternal   ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeActionFailed    = "ERR_ACTION_FAILED"
	ErrCodeActionPanicked  = "ERR_ACTION_PANICKED"
	ErrCodeWatchSetup      = "ERR_WATCH_SETUP"
	ErrCodeWatchBackend    = "ERR_WATCH_BACKEND"
	ErrCodeDispose         = "ERR_DISPOSE"
	ErrCodeDiff            = "ERR_DIFF"
	ErrCodeRenderRoute     = "ERR_RENDER_ROUTE"
	ErrCodeRenderPool      = "ERR_RENDER_POOL"
	ErrCodeRouteDiscovery  = "ERR_ROUTE_DISCOVERY"
	ErrCodeRoutesFile      = "ERR_ROUTES_FILE"
	ErrCodeWriteOutput     = "ERR_WRITE_OUTPUT"
	ErrCodeConfigInvalid   = "ERR_CONFIG_INVALID"
	ErrCodeBudgetExceeded  = "ERR_BUDGET_EXCEEDED"
	ErrCodeInvalidPath     = "ERR_INVALID_PATH"
	ErrCodeInternalError   = "ERR_INTERNAL"
	ErrCodeValidationError = "ERR_VALIDATION_FAILED"
)

// BuildwatchError is a structured error type with context.
type BuildwatchError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	FilePath    string
	Recoverable bool
}

// Error implements the error interface.
func (e *BuildwatchError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	if e.FilePath != "" {
		parts = append(parts, e.FilePath)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *BuildwatchError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code so callers can compare against sentinel values.
func (e *BuildwatchError) Is(target error) bool {
	var t *BuildwatchError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *BuildwatchError) WithContext(key string, value interface{}) *BuildwatchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithComponent adds component context.
func (e *BuildwatchError) WithComponent(component string) *BuildwatchError {
	e.Component = component

	return e
}

// WithFile adds the path of the file the error relates to.
func (e *BuildwatchError) WithFile(path string) *BuildwatchError {
	e.FilePath = path

	return e
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *BuildwatchError {
	return &BuildwatchError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewBuildError creates a build error. Build errors are per-cycle and
// therefore recoverable.
func NewBuildError(code, message string, cause error) *BuildwatchError {
	return &BuildwatchError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *BuildwatchError {
	return &BuildwatchError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *BuildwatchError {
	return &BuildwatchError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewWatchError creates a watcher error.
func NewWatchError(code, message string, cause error) *BuildwatchError {
	return &BuildwatchError{
		Type:    ErrorTypeWatch,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewRenderError creates a rendering error.
func NewRenderError(code, message string, cause error) *BuildwatchError {
	return &BuildwatchError{
		Type:        ErrorTypeRender,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *BuildwatchError {
	return &BuildwatchError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var be *BuildwatchError
	if errors.As(err, &be) {
		return be.Recoverable
	}

	return false
}

// IsType reports whether err is a BuildwatchError of the given type.
func IsType(err error, errType ErrorType) bool {
	var be *BuildwatchError
	if errors.As(err, &be) {
		return be.Type == errType
	}

	return false
}

// HasCode reports whether err is a BuildwatchError carrying code.
func HasCode(err error, code string) bool {
	var be *BuildwatchError
	if errors.As(err, &be) {
		return be.Code == code
	}

	return false
}

// ErrInvalidPath creates a path validation error.
func ErrInvalidPath(path string) *BuildwatchError {
	return NewValidationError(ErrCodeInvalidPath, "invalid path: "+path)
}
