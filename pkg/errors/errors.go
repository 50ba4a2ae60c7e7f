package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies API-visible failures.
type ErrorCode string

const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError carries an error code and the HTTP status the API layer
// should respond with.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, HTTPStatus: http.StatusBadRequest}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found", resource), HTTPStatus: http.StatusNotFound}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: ErrCodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

func NewConflictError(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

func NewInternalError(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError}
}

// WrapError attaches a cause to a fresh AppError.
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
