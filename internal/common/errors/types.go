package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType groups error kinds into broad categories
type ErrorType string

const (
	ErrTypeConnection ErrorType = "connection"
	ErrTypeValidation ErrorType = "validation"
	ErrTypeConfig     ErrorType = "config"
	ErrTypeAuth       ErrorType = "authentication"
	ErrTypeNotFound   ErrorType = "not_found"
	ErrTypeInternal   ErrorType = "internal"
	ErrTypeTimeout    ErrorType = "timeout"
	ErrTypeRateLimit  ErrorType = "rate_limit"
	ErrTypeAuthority  ErrorType = "authority"
	ErrTypeState      ErrorType = "state"
)

// Kind is the machine-readable code carried by every AppError.
// Presentation layers branch on Kind, never on the message text.
type Kind string

const (
	KindValidation           Kind = "VALIDATION"
	KindNINORequired         Kind = "NINO_REQUIRED"
	KindBusinessIDRequired   Kind = "BUSINESS_ID_REQUIRED"
	KindNotConnected         Kind = "NOT_CONNECTED"
	KindTokenExpired         Kind = "TOKEN_EXPIRED"
	KindRefreshFailed        Kind = "REFRESH_FAILED"
	KindSessionExpired       Kind = "SESSION_EXPIRED"
	KindAuthRejected         Kind = "AUTH_REJECTED"
	KindAuthFailed           Kind = "AUTH_FAILED"
	KindAuthInProgress       Kind = "AUTH_IN_PROGRESS"
	KindCancelled            Kind = "CANCELLED"
	KindTimeout              Kind = "TIMEOUT"
	KindAuthorityRejected    Kind = "AUTHORITY_REJECTED"
	KindAuthorityUnavailable Kind = "AUTHORITY_UNAVAILABLE"
	KindConnection           Kind = "CONNECTION"
	KindSagaCompleted        Kind = "SAGA_ALREADY_COMPLETED"
	KindConfirmationRequired Kind = "CONFIRMATION_REQUIRED"
	KindInvalidState         Kind = "INVALID_STATE"
	KindVersionConflict      Kind = "VERSION_CONFLICT"
	KindDuplicate            Kind = "DUPLICATE"
	KindNotFound             Kind = "NOT_FOUND"
	KindConfig               Kind = "CONFIG"
	KindInternal             Kind = "INTERNAL"
)

var kindTypes = map[Kind]ErrorType{
	KindValidation:           ErrTypeValidation,
	KindNINORequired:         ErrTypeValidation,
	KindBusinessIDRequired:   ErrTypeValidation,
	KindNotConnected:         ErrTypeAuth,
	KindTokenExpired:         ErrTypeAuth,
	KindRefreshFailed:        ErrTypeAuth,
	KindSessionExpired:       ErrTypeAuth,
	KindAuthRejected:         ErrTypeAuth,
	KindAuthFailed:           ErrTypeAuth,
	KindAuthInProgress:       ErrTypeState,
	KindCancelled:            ErrTypeState,
	KindTimeout:              ErrTypeTimeout,
	KindAuthorityRejected:    ErrTypeAuthority,
	KindAuthorityUnavailable: ErrTypeAuthority,
	KindConnection:           ErrTypeConnection,
	KindSagaCompleted:        ErrTypeState,
	KindConfirmationRequired: ErrTypeState,
	KindInvalidState:         ErrTypeState,
	KindVersionConflict:      ErrTypeState,
	KindDuplicate:            ErrTypeState,
	KindNotFound:             ErrTypeNotFound,
	KindConfig:               ErrTypeConfig,
	KindInternal:             ErrTypeInternal,
}

// retryableKinds are the transient failures a resilient invoker may retry.
var retryableKinds = map[Kind]bool{
	KindAuthorityUnavailable: true,
	KindConnection:           true,
	KindTimeout:              true,
}

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error renders "KIND: message" followed by the optional code, cause and context
func (e *AppError) Error() string {
	parts := []string{string(e.Kind), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient
func (e *AppError) Retryable() bool {
	return retryableKinds[e.Kind]
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode attaches the code reported by an external system
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// New creates an error of the given kind
func New(kind Kind, msg string) *AppError {
	return &AppError{Type: typeOf(kind), Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given kind around a cause
func Wrap(kind Kind, msg string, cause error) *AppError {
	return &AppError{Type: typeOf(kind), Kind: kind, Message: msg, Cause: cause}
}

func typeOf(kind Kind) ErrorType {
	if t, ok := kindTypes[kind]; ok {
		return t
	}
	return ErrTypeInternal
}

// Validation names the offending field in a validation error
func Validation(field, msg string) *AppError {
	return New(KindValidation, fmt.Sprintf("%s: %s", field, msg)).WithContext("field", field)
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return Wrap(KindConnection, msg, cause)
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return New(KindValidation, msg)
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return New(KindConfig, msg)
}

// AuthError creates a new authentication error
func AuthError(msg string) *AppError {
	return New(KindAuthFailed, msg)
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return Wrap(KindInternal, msg, cause)
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return New(KindTimeout, fmt.Sprintf("timeout during %s", operation))
}

// RateLimitError creates a new rate limit error
func RateLimitError(resource string) *AppError {
	e := New(KindAuthorityUnavailable, fmt.Sprintf("rate limit exceeded for %s", resource))
	e.Type = ErrTypeRateLimit
	return e
}

// As finds the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of the first AppError in the chain, or KindInternal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries any of the given kinds
func IsKind(err error, kinds ...Kind) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is a transient failure
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Retryable()
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	appErr, ok := As(err)
	return ok && appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Type
	}
	return ErrTypeInternal
}
