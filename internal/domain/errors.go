package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain error for propagation policy decisions.
// Validation and policy errors surface unchanged to the caller; transient
// infrastructure errors are retried locally; Internal errors roll back the
// business transaction and surface opaquely with a trace ID.
type ErrorKind string

const (
	KindValidation           ErrorKind = "VALIDATION"
	KindCapabilityDenied     ErrorKind = "CAPABILITY_DENIED"
	KindInsiderBlocked       ErrorKind = "INSIDER_BLOCKED"
	KindRoleRestricted       ErrorKind = "ROLE_RESTRICTED"
	KindCircularTrade        ErrorKind = "CIRCULAR_TRADE"
	KindInsufficientCredit   ErrorKind = "INSUFFICIENT_CREDIT"
	KindInsufficientQuantity ErrorKind = "INSUFFICIENT_QUANTITY"
	KindOverSold             ErrorKind = "OVER_SOLD"
	KindImmutable            ErrorKind = "IMMUTABLE"
	KindCancelled            ErrorKind = "CANCELLED"
	KindConflict             ErrorKind = "CONFLICT"
	KindInvalidLocation      ErrorKind = "INVALID_LOCATION"
	KindQualityInvalid       ErrorKind = "QUALITY_INVALID"
	KindUnitUnknown          ErrorKind = "UNIT_UNKNOWN"
	KindUnitIncompatible     ErrorKind = "UNIT_INCOMPATIBLE"
	KindNotFound             ErrorKind = "NOT_FOUND"
	KindBusy                 ErrorKind = "BUSY"
	KindTransientInfra       ErrorKind = "TRANSIENT_INFRA"
	KindInternal             ErrorKind = "INTERNAL"
)

// DomainError carries an error kind, a machine-readable reason code and an
// optional field list for validation failures.
type DomainError struct {
	Kind    ErrorKind
	Reason  string
	Fields  []string
	TraceID string
	wrapped error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes the wrapped cause.
func (e *DomainError) Unwrap() error {
	return e.wrapped
}

// Retryable reports whether the caller may usefully retry.
// Only Busy, Conflict and TransientInfra benefit from a retry.
func (e *DomainError) Retryable() bool {
	switch e.Kind {
	case KindBusy, KindConflict, KindTransientInfra:
		return true
	default:
		return false
	}
}

// NewError creates a domain error with a kind and reason code.
func NewError(kind ErrorKind, reason string) *DomainError {
	return &DomainError{Kind: kind, Reason: reason}
}

// WrapError wraps a cause with a kind and reason code.
func WrapError(kind ErrorKind, reason string, cause error) *DomainError {
	return &DomainError{Kind: kind, Reason: reason, wrapped: cause}
}

// WithFields attaches offending field descriptions and returns the error.
func (e *DomainError) WithFields(fields ...string) *DomainError {
	e.Fields = append(e.Fields, fields...)
	return e
}

// ValidationError builds a validation error naming the offending fields.
func ValidationError(reason string, fields ...string) *DomainError {
	return &DomainError{Kind: KindValidation, Reason: reason, Fields: fields}
}

// KindOf extracts the error kind, defaulting to Internal for unknown errors.
// Unknown errors are never swallowed; they bubble as Internal.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
