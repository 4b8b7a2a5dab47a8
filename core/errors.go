package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorUnauthorized = "ALIGN_UNAUTHORIZED"
	ErrorNotFound     = "ALIGN_NOT_FOUND"
	ErrorDuplicate    = "ALIGN_DUPLICATE"
	ErrorTransient    = "ALIGN_TRANSIENT"
	ErrorDead         = "ALIGN_DEAD"
	ErrorBadInput     = "ALIGN_BAD_INPUT"
	ErrorLeaseLost    = "ALIGN_LEASE_LOST"
	ErrorExternal     = "ALIGN_EXTERNAL"
	ErrorInternal     = "ALIGN_INTERNAL"
)

// ErrorClass is the coarse classification persisted with DLQ rows.
type ErrorClass string

const (
	ErrorClassUnauthorized ErrorClass = "unauthorized"
	ErrorClassNotFound     ErrorClass = "not_found"
	ErrorClassDuplicate    ErrorClass = "duplicate"
	ErrorClassTransient    ErrorClass = "transient"
	ErrorClassMapping      ErrorClass = "mapping"
	ErrorClassStorage      ErrorClass = "storage"
	ErrorClassDead         ErrorClass = "dead"
	ErrorClassInternal     ErrorClass = "internal"
)

var (
	ErrConnectionNotFound = errors.New("core: connection not found")
	ErrConnectorNotFound  = errors.New("core: connector not registered")
	ErrNotFound           = errors.New("core: record not found")
)

func NewUnauthorizedError(message string, metadata map[string]any) *goerrors.Error {
	return newAlignmentError(message, goerrors.CategoryAuth, http.StatusUnauthorized, ErrorUnauthorized, metadata)
}

func NewNotFoundError(message string, metadata map[string]any) *goerrors.Error {
	return newAlignmentError(message, goerrors.CategoryNotFound, http.StatusNotFound, ErrorNotFound, metadata)
}

func NewBadInputError(message string, metadata map[string]any) *goerrors.Error {
	return newAlignmentError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorBadInput, metadata)
}

func NewLeaseLostError(message string, metadata map[string]any) *goerrors.Error {
	return newAlignmentError(message, goerrors.CategoryConflict, http.StatusConflict, ErrorLeaseLost, metadata)
}

func NewDeadError(message string, metadata map[string]any) *goerrors.Error {
	return newAlignmentError(message, goerrors.CategoryOperation, http.StatusGone, ErrorDead, metadata)
}

// NewMappingError marks a payload that passed verification but could not
// be converted into canonical events.
func NewMappingError(source error, message string, metadata map[string]any) *goerrors.Error {
	return wrapAlignmentError(source, goerrors.CategoryValidation, message, http.StatusUnprocessableEntity, ErrorBadInput, metadata)
}

func NewTransientError(source error, message string, metadata map[string]any) *goerrors.Error {
	return wrapAlignmentError(source, goerrors.CategoryExternal, message, http.StatusServiceUnavailable, ErrorTransient, metadata)
}

func NewExternalError(source error, message string, metadata map[string]any) *goerrors.Error {
	return wrapAlignmentError(source, goerrors.CategoryExternal, message, http.StatusBadGateway, ErrorExternal, metadata)
}

func NewInternalError(source error, message string, metadata map[string]any) *goerrors.Error {
	return wrapAlignmentError(source, goerrors.CategoryInternal, message, http.StatusInternalServerError, ErrorInternal, metadata)
}

func newAlignmentError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapAlignmentError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	if source == nil {
		return newAlignmentError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// DefaultErrorMapper converts any error into the rich envelope used at the
// HTTP and command boundaries.
func DefaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrConnectionNotFound), errors.Is(err, ErrConnectorNotFound), errors.Is(err, ErrNotFound):
		return NewNotFoundError(err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError(err, "operation timed out", nil)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "signature"):
		return NewUnauthorizedError(err.Error(), nil)
	case strings.Contains(msg, "not found"):
		return NewNotFoundError(err.Error(), nil)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "temporar"):
		return NewTransientError(err, err.Error(), nil)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewBadInputError(err.Error(), nil)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

// ClassifyError picks the DLQ error class for err.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.TextCode {
		case ErrorUnauthorized:
			return ErrorClassUnauthorized
		case ErrorNotFound:
			return ErrorClassNotFound
		case ErrorDuplicate:
			return ErrorClassDuplicate
		case ErrorTransient, ErrorExternal:
			return ErrorClassTransient
		case ErrorDead:
			return ErrorClassDead
		case ErrorBadInput:
			return ErrorClassMapping
		}
		switch richErr.Category {
		case goerrors.CategoryExternal, goerrors.CategoryRateLimit:
			return ErrorClassTransient
		case goerrors.CategoryValidation, goerrors.CategoryBadInput:
			return ErrorClassMapping
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTransient
	case errors.Is(err, ErrConnectionNotFound), errors.Is(err, ErrNotFound):
		return ErrorClassNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "database is locked"):
		return ErrorClassTransient
	case strings.Contains(msg, "sqlstore:"), strings.Contains(msg, "sql:"):
		return ErrorClassStorage
	}
	return ErrorClassInternal
}

// IsTransient reports whether err should be retried by the caller's loop.
func IsTransient(err error) bool {
	return ClassifyError(err) == ErrorClassTransient
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorUnauthorized
	case goerrors.CategoryConflict:
		return ErrorDuplicate
	case goerrors.CategoryExternal, goerrors.CategoryRateLimit:
		return ErrorTransient
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
