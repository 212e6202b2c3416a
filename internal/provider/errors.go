package provider

import (
	"errors"
	"fmt"

	"dealerpay/internal/domain"
)

var (
	// ErrUnavailable is returned when the provider could not be reached or failed transiently.
	// Callers may retry.
	ErrUnavailable = errors.New("payment provider unavailable")

	// ErrRejected is returned when the provider refused the transaction. Not retryable.
	ErrRejected = errors.New("payment rejected by provider")

	// ErrInitiationPending is returned when an earlier initiation for the same key has an unknown outcome.
	ErrInitiationPending = errors.New("initiation for this key already in flight")

	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a webhook payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Error carries the provider, the classification (ErrUnavailable or ErrRejected) and the cause.
type Error struct {
	Provider domain.ProviderKind
	Kind     error
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func unavailable(p domain.ProviderKind, reason string, err error) error {
	return &Error{Provider: p, Kind: ErrUnavailable, Reason: reason, Err: err}
}

func rejected(p domain.ProviderKind, reason string, err error) error {
	return &Error{Provider: p, Kind: ErrRejected, Reason: reason, Err: err}
}

// Reason extracts the provider's human-readable reason from err, falling back to err's message.
func Reason(err error) string {
	var perr *Error
	if errors.As(err, &perr) && perr.Reason != "" {
		return perr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
