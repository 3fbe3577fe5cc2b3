package errors

import (
	"errors"

	"go.uber.org/multierr"
)

// Wrap wraps an error with additional context, creating a BuildwatchError if
// the input is not already one.
func Wrap(err error, errType ErrorType, code, message string) *BuildwatchError {
	if err == nil {
		return nil
	}

	var be *BuildwatchError
	if errors.As(err, &be) {
		return &BuildwatchError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       be,
			Context:     be.Context,
			Component:   be.Component,
			FilePath:    be.FilePath,
			Recoverable: be.Recoverable,
		}
	}

	return &BuildwatchError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType == ErrorTypeValidation || errType == ErrorTypeBuild || errType == ErrorTypeRender,
	}
}

// WrapBuild wraps an error as a build error.
func WrapBuild(err error, code, message string) *BuildwatchError {
	return Wrap(err, ErrorTypeBuild, code, message)
}

// WrapIO wraps an error as an I/O error.
func WrapIO(err error, code, message string) *BuildwatchError {
	be := Wrap(err, ErrorTypeIO, code, message)
	if be != nil {
		be.Recoverable = false
	}
	return be
}

// WrapConfig wraps an error as a configuration error.
func WrapConfig(err error, code, message string) *BuildwatchError {
	be := Wrap(err, ErrorTypeConfig, code, message)
	if be != nil {
		be.Recoverable = false
	}
	return be
}

// WrapWatch wraps an error as a watcher error.
func WrapWatch(err error, code, message string) *BuildwatchError {
	be := Wrap(err, ErrorTypeWatch, code, message)
	if be != nil {
		be.Recoverable = false
	}
	return be
}

// WrapInternal wraps an error as an internal error.
func WrapInternal(err error, code, message string) *BuildwatchError {
	be := Wrap(err, ErrorTypeInternal, code, message)
	if be != nil {
		be.Recoverable = false
	}
	return be
}

// Combine merges errors into one, dropping nils. It returns nil when every
// input is nil.
func Combine(errs ...error) error {
	return multierr.Combine(errs...)
}

// Flatten returns the individual errors held by a combined error.
func Flatten(err error) []error {
	return multierr.Errors(err)
}
