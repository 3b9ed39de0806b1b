package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("not found")
	ErrNotCompleted       = errors.New("request is not completed")
	ErrEmailTaken         = errors.New("email already registered")
)

// SigningKind classifies a rejected signing call.
type SigningKind string

const (
	KindInvalidInput      SigningKind = "invalid_input"
	KindInvalidToken      SigningKind = "invalid_token"
	KindAlreadySigned     SigningKind = "already_signed"
	KindExpired           SigningKind = "expired"
	KindSequentialBlocked SigningKind = "sequential_signing_blocked"
	KindMissingFields     SigningKind = "missing_fields"
	KindInvalidSession    SigningKind = "invalid_session"
	KindInvalidFields     SigningKind = "invalid_fields"
)

// SigningError is a caller-facing rejection from the token-gated endpoints.
// Expired is also set on an already-signed rejection when the request has
// passed its expiry.
type SigningError struct {
	Kind          SigningKind
	Message       string
	Expired       bool
	YourOrder     int
	MissingFields []string
	InvalidFields []string
}

func (e *SigningError) Error() string { return e.Message }

func signingErr(kind SigningKind, msg string) *SigningError {
	return &SigningError{Kind: kind, Message: msg, Expired: kind == KindExpired}
}

func missingFieldsErr(labels []string) *SigningError {
	return &SigningError{
		Kind:          KindMissingFields,
		Message:       fmt.Sprintf("Missing required fields: %s", strings.Join(labels, ", ")),
		MissingFields: labels,
	}
}

// ValidationError rejects malformed owner input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
