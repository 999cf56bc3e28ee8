package model

import (
	"errors"
	"strings"
)

// Error classes. Specific errors wrap one of them, so callers can match
// either the class or the concrete cause with errors.Is.
var (
	ErrPreconditionFailed    = errors.New("precondition failed")
	ErrTransientProcessFault = errors.New("transient process fault")
	ErrStartupFailure        = errors.New("startup failure")
	ErrValidationFailure     = errors.New("validation failure")
	ErrRemoteFault           = errors.New("remote fault")
	ErrTimeout               = errors.New("timeout")
)

var (
	ErrAlreadyRunning  = wrapClass("service already running", ErrPreconditionFailed)
	ErrPortInUse       = wrapClass("port in use", ErrPreconditionFailed)
	ErrNotRunning      = wrapClass("service not running", ErrPreconditionFailed)
	ErrWorkflowRunning = wrapClass("workflow is already executing", ErrValidationFailure)
	ErrMissingFiles    = wrapClass("referenced files are missing", ErrValidationFailure)
	ErrStartupTimeout  = wrapClass("startup timed out", ErrStartupFailure)
)

type classError struct {
	msg   string
	class error
}

func wrapClass(msg string, class error) error {
	return classError{msg: msg, class: class}
}

func (e classError) Error() string { return e.msg }
func (e classError) Unwrap() error { return e.class }

// MissingFilesError lists every file-selector path which no longer exists.
type MissingFilesError struct {
	Paths []string
}

func (e *MissingFilesError) Error() string {
	return "missing files: " + strings.Join(e.Paths, ", ")
}

func (e *MissingFilesError) Unwrap() error {
	return ErrMissingFiles
}
