package service

import "errors"

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("invalid payment request")

	// ErrNotFound is returned when a payment does not exist or belongs to another user.
	ErrNotFound = errors.New("payment not found")

	// ErrConflict is returned when a request or notification contradicts the payment's stored state.
	ErrConflict = errors.New("payment state conflict")

	// ErrIdempotencyMismatch is returned when an idempotency key is reused with different parameters.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different parameters")

	// ErrInternal is returned when persistence fails. Details are logged, never returned.
	ErrInternal = errors.New("internal error")
)

// PaymentFailedError is returned by CreatePaymentIntent when initiation fails after the payment
// record was created. The record is left failed, or pending for the sweep, under PaymentID.
type PaymentFailedError struct {
	PaymentID string
	Err       error
}

func (e *PaymentFailedError) Error() string {
	return "payment " + e.PaymentID + ": " + e.Err.Error()
}

func (e *PaymentFailedError) Unwrap() error { return e.Err }

// FailedPaymentID returns the id of the record a failed CreatePaymentIntent left behind, if any.
func FailedPaymentID(err error) (string, bool) {
	var perr *PaymentFailedError
	if errors.As(err, &perr) && perr.PaymentID != "" {
		return perr.PaymentID, true
	}
	return "", false
}
