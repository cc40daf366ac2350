package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Code classifies a bridge failure.
type Code string

const (
	CodePermissionDenied Code = "permission_denied"
	CodeUnavailable      Code = "unavailable"
	CodeTimeout          Code = "timeout"
	CodeNotFound         Code = "not_found"
	CodeInvalid          Code = "invalid_request"
)

// FetchError is the error returned by every Bridge implementation.
type FetchError struct {
	Code    Code
	Kind    Kind
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("bridge %s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("bridge %s: %s: %s", e.Kind, e.Code, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CodeOf returns the failure code of err. Successful calls return "".
// Errors that are not FetchErrors are classified from their cause.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return classify(err)
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// wrap converts an arbitrary error into a FetchError.
func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Code: classify(err), Kind: kind, Err: err}
}

func classify(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return CodeTimeout
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES), errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, unix.ESRCH), errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, unix.EINVAL):
		return CodeInvalid
	}
	return CodeUnavailable
}
