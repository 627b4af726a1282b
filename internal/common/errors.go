package common

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the orchestration-layer error taxonomy (spec §7).
type ErrorCode string

const (
	CodeFileValidation  ErrorCode = "fileValidation"
	CodePayloadTooLarge ErrorCode = "payloadTooLarge"
	CodeRateLimit       ErrorCode = "rateLimit"
	CodeNotFound        ErrorCode = "notFound"
	CodeConflict        ErrorCode = "conflict"
	CodeExternalService ErrorCode = "externalService"
	CodeInternal        ErrorCode = "internal"
)

// httpStatusByCode maps each taxonomy code to its HTTP status, per spec §7.
var httpStatusByCode = map[ErrorCode]int{
	CodeFileValidation:  400,
	CodePayloadTooLarge: 413,
	CodeRateLimit:       429,
	CodeNotFound:        404,
	CodeConflict:        409,
	CodeExternalService: 503,
	CodeInternal:        500,
}

// AppError is the typed error surfaced by the orchestration facade and
// mapped to an HTTP response by the server adapters, mirroring vire's
// APIError/ErrorResponse split between client package and HTTP helpers.
type AppError struct {
	Code       ErrorCode
	HTTPStatus int
	Message    string
	RetryAfter int64 // seconds; set only for rateLimit
	ResetEpoch int64 // epoch seconds of next reset; set only for rateLimit daily caps
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func newAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		HTTPStatus: httpStatusByCode[code],
		Message:    message,
		Err:        err,
	}
}

// ErrFileValidation wraps a per-file intake validation failure (bad MIME,
// oversize, too many pages).
func ErrFileValidation(message string) *AppError {
	return newAppError(CodeFileValidation, message, nil)
}

// ErrPayloadTooLarge signals a request body exceeding server limits.
func ErrPayloadTooLarge(message string) *AppError {
	return newAppError(CodePayloadTooLarge, message, nil)
}

// ErrRateLimit signals a rejected action with retry hints.
func ErrRateLimit(message string, retryAfter, resetEpoch int64) *AppError {
	e := newAppError(CodeRateLimit, message, nil)
	e.RetryAfter = retryAfter
	e.ResetEpoch = resetEpoch
	return e
}

// ErrNotFound signals an unknown job or a session mismatch.
func ErrNotFound(message string) *AppError {
	return newAppError(CodeNotFound, message, nil)
}

// ErrConflict signals a retry whose input blob is gone or whose job is not
// in the failed state. The manual retry cap is reported as ErrRateLimit.
func ErrConflict(message string) *AppError {
	return newAppError(CodeConflict, message, nil)
}

// ErrExternalService wraps an OCR/LLM/store failure surviving bounded
// client-level retries.
func ErrExternalService(message string, err error) *AppError {
	return newAppError(CodeExternalService, message, err)
}

// ErrInternal wraps an unclassified failure.
func ErrInternal(message string, err error) *AppError {
	return newAppError(CodeInternal, message, err)
}

// AsAppError unwraps err into an *AppError if possible, otherwise wraps it
// as an internal error.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return ErrInternal("unclassified error", err)
}
