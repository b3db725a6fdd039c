package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers should react to it.
type Kind int

const (
	// KindTransient errors may succeed on retry (network, rate limit, 5xx).
	KindTransient Kind = iota
	// KindPermanent errors will not succeed without operator action
	// (revoked grant, missing credentials, unsupported operation).
	KindPermanent
	// KindData errors are malformed records; skip the record, keep going.
	KindData
	// KindExternal errors come from a dependency misbehaving in an
	// undifferentiated way (database down, broker unreachable).
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindPermanent:
		return "PERMANENT"
	case KindData:
		return "DATA"
	case KindExternal:
		return "EXTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error codes
const (
	// Auth
	CodeAuthRevoked   = "AUTH_REVOKED"
	CodeAuthTransient = "AUTH_TRANSIENT"
	CodeTokenExpired  = "TOKEN_EXPIRED"
	CodeMissingConfig = "MISSING_CONFIG"

	// Provider
	CodeCursorExpired    = "CURSOR_EXPIRED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeFetchUnsupported = "FETCH_UNSUPPORTED"

	// Data
	CodeMalformedRecord = "MALFORMED_RECORD"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"

	// Infrastructure
	CodeDatabaseError = "DATABASE_ERROR"
	CodeExternalError = "EXTERNAL_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Kind    Kind           `json:"-"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, kind Kind, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    kind,
		Status:  status,
	}
}

func Wrap(err error, code, message string, kind Kind, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    kind,
		Status:  status,
		Err:     err,
	}
}

// Auth errors

// AuthRevoked marks a credential the provider has permanently rejected.
func AuthRevoked(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeAuthRevoked,
		Message: fmt.Sprintf("credential revoked by %s", provider),
		Kind:    KindPermanent,
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

// AuthTransient marks a refresh that failed for reachability reasons.
func AuthTransient(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeAuthTransient,
		Message: fmt.Sprintf("token refresh failed for %s", provider),
		Kind:    KindTransient,
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

func TokenExpired(email string) *AppError {
	return &AppError{
		Code:    CodeTokenExpired,
		Message: fmt.Sprintf("token expired for %s", email),
		Kind:    KindPermanent,
		Status:  http.StatusUnauthorized,
	}
}

func MissingConfig(what string) *AppError {
	return &AppError{
		Code:    CodeMissingConfig,
		Message: fmt.Sprintf("missing configuration: %s", what),
		Kind:    KindPermanent,
		Status:  http.StatusInternalServerError,
	}
}

// Provider errors

func CursorExpired(folder string) *AppError {
	return &AppError{
		Code:    CodeCursorExpired,
		Message: fmt.Sprintf("sync cursor no longer valid for %s", folder),
		Kind:    KindData,
		Status:  http.StatusGone,
		Details: map[string]any{"folder": folder},
	}
}

func RateLimited(provider string) *AppError {
	return &AppError{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("rate limited by %s", provider),
		Kind:    KindTransient,
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"provider": provider},
	}
}

func ProviderError(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeProviderError,
		Message: fmt.Sprintf("provider error from %s", provider),
		Kind:    KindTransient,
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

func FetchUnsupported(provider string) *AppError {
	return &AppError{
		Code:    CodeFetchUnsupported,
		Message: fmt.Sprintf("%s does not support fetching messages", provider),
		Kind:    KindPermanent,
		Status:  http.StatusNotImplemented,
	}
}

// Data errors

func MalformedRecord(reason string) *AppError {
	return &AppError{
		Code:    CodeMalformedRecord,
		Message: fmt.Sprintf("malformed record: %s", reason),
		Kind:    KindData,
		Status:  http.StatusUnprocessableEntity,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Kind:    KindData,
		Status:  http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Kind:    KindData,
		Status:  http.StatusConflict,
	}
}

// Infrastructure errors

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Kind:    KindExternal,
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ExternalError(service string, err error) *AppError {
	return &AppError{
		Code:    CodeExternalError,
		Message: fmt.Sprintf("external service error: %s", service),
		Kind:    KindExternal,
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Kind:    KindExternal,
		Status:  http.StatusInternalServerError,
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Kind:    KindTransient,
		Status:  http.StatusGatewayTimeout,
	}
}

// Helper functions

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("").WithError(err)
}

// KindOf reports the kind of an error. Unknown errors are treated as
// transient so a single classification miss never drops an account.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
