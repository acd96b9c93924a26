package stratofs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// FSError is the error type returned by every file system operation. Errors
// carry a sentinel root cause (one of the Err* values below) that callers can
// match with errors.Is, plus an optional human-readable elaboration.
type FSError interface {
	error
	WithMessage(message string) FSError
	Wrap(err error) FSError
}

type baseFSError string

const rootError = baseFSError("")

var ErrDirectoryFull = rootError.WithMessage("No free directory slots")
var ErrExists = rootError.WithMessage("File exists")
var ErrFileSystemCorrupted = rootError.WithMessage("Structure needs cleaning")
var ErrFileTooLarge = rootError.WithMessage("File too large")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrIsADirectory = rootError.WithMessage("Is a directory")
var ErrNameTooLong = rootError.WithMessage("File name too long")
var ErrNoSpaceOnDevice = rootError.WithMessage("No space left on device")
var ErrNotADirectory = rootError.WithMessage("Not a directory")
var ErrNotFound = rootError.WithMessage("No such file or directory")
var ErrSectorOutOfRange = rootError.WithMessage("Sector address out of range")

func (e baseFSError) Error() string {
	return string(e)
}

func (e baseFSError) WithMessage(message string) FSError {
	return customFSError{
		message:       message,
		originalError: e,
	}
}

func (e baseFSError) Wrap(err error) FSError {
	return customFSError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customFSError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e customFSError) Error() string {
	return e.message
}

func (e customFSError) WithMessage(message string) FSError {
	return customFSError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customFSError) Wrap(err error) FSError {
	return customFSError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customFSError) Unwrap() error {
	return e.originalError
}
