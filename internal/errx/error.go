package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is the user-facing fallback for internal failures.
	SystemErrorMessage = "internal server error"
	// UpstreamErrorMessage describes failures of an external collaborator.
	UpstreamErrorMessage = "upstream service failed"
)

// AppError wraps an underlying error with an HTTP status and a safe message.
type AppError struct {
	Err     error
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether the target matches the wrapped error.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func New(err error, status int, code, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Code:    code,
		Message: message,
	}
}

func NotFound(err error, message string) *AppError {
	return New(err, http.StatusNotFound, "not_found", message)
}

func BadRequest(err error, message string) *AppError {
	return New(err, http.StatusBadRequest, "bad_request", message)
}

// Upstream wraps a failure of an external collaborator (AI provider, cache).
func Upstream(err error) *AppError {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, "upstream_failed", UpstreamErrorMessage)
}

// From extracts an AppError from err, falling back to a 500.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(err, http.StatusInternalServerError, "internal_error", SystemErrorMessage)
}
