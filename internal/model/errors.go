package model

import (
	"errors"
	"fmt"
)

// Категории ошибок предметной области.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("external service unavailable")
	ErrInternal    = errors.New("internal error")
	ErrForbidden   = errors.New("forbidden")
)

// Коды ошибок, возвращаемые клиентам.
const (
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeIdempotencyKeyMissing = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyInFlight   = "IDEMPOTENCY_IN_FLIGHT"
	CodeIdempotencyKeyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeCardNotFound          = "CARD_NOT_FOUND"
	CodeRequestNotFound       = "REQUEST_NOT_FOUND"
	CodeEventNotFound         = "EVENT_NOT_FOUND"
	CodeRequestNotPending     = "REQUEST_NOT_PENDING"
	CodeActiveCardExists      = "ACTIVE_CARD_EXISTS"
	CodePendingRequestExists  = "PENDING_REQUEST_EXISTS"
	CodeCooldownActive        = "COOLDOWN_ACTIVE"
	CodeLimitExceedsTier      = "LIMIT_EXCEEDS_TIER"
	CodeLimitBelowMinimum     = "LIMIT_BELOW_MINIMUM"
	CodeCardNotActive         = "CARD_NOT_ACTIVE"
	CodeInsufficientCredit    = "INSUFFICIENT_CREDIT"
	CodePaymentExceedsBalance = "PAYMENT_EXCEEDS_BALANCE"
	CodeBalanceNotZero        = "BALANCE_NOT_ZERO"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeVersionConflict       = "VERSION_CONFLICT"
	CodeTokenInvalid          = "TOKEN_INVALID"
	CodeForbidden             = "FORBIDDEN"
	CodeInvariantViolated     = "INVARIANT_VIOLATED"
	CodeTransportUnavailable  = "TRANSPORT_UNAVAILABLE"
)

// Error описывает типизированную ошибку предметной области.
type Error struct {
	Kind    error
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// WithDetail возвращает копию ошибки с дополнительным полем деталей.
func (e *Error) WithDetail(key string, value any) *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

func newError(kind error, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation создаёт ошибку валидации входных данных.
func Validation(format string, args ...any) *Error {
	return newError(ErrValidation, CodeValidationFailed, format, args...)
}

// ValidationCode создаёт ошибку валидации с указанным кодом.
func ValidationCode(code, format string, args ...any) *Error {
	return newError(ErrValidation, code, format, args...)
}

// NotFound создаёт ошибку отсутствия сущности.
func NotFound(code, format string, args ...any) *Error {
	return newError(ErrNotFound, code, format, args...)
}

// Conflict создаёт ошибку конфликта состояния.
func Conflict(code, format string, args ...any) *Error {
	return newError(ErrConflict, code, format, args...)
}

// Unavailable создаёт ошибку недоступности внешней системы.
func Unavailable(format string, args ...any) *Error {
	return newError(ErrUnavailable, CodeTransportUnavailable, format, args...)
}

// Internal создаёт ошибку нарушения инварианта.
func Internal(format string, args ...any) *Error {
	return newError(ErrInternal, CodeInvariantViolated, format, args...)
}

// Forbidden создаёт ошибку недостаточных прав.
func Forbidden(format string, args ...any) *Error {
	return newError(ErrForbidden, CodeForbidden, format, args...)
}

// HasCode сообщает, содержит ли цепочка ошибок ошибку с указанным кодом.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
