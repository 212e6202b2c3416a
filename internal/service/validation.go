package service

import (
	"fmt"
	"net/url"
	"strings"

	"dealerpay/internal/domain"
)

const maxIdempotencyKeyLength = 255

// ValidationError describes the first invalid field of a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrValidation, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// validatePaymentRequest checks req without side effects.
func validatePaymentRequest(req domain.PaymentRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return invalid("user_id", "is required")
	}
	if !req.Tier.IsValid() {
		return invalid("tier", fmt.Sprintf("%q is not a listing tier", req.Tier))
	}
	if !req.Provider.IsValid() {
		return invalid("provider", fmt.Sprintf("%q is not supported", req.Provider))
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return invalid("idempotency_key", fmt.Sprintf("must be at most %d characters", maxIdempotencyKeyLength))
	}

	switch req.Provider {
	case domain.ProviderMobileMoney:
		if req.PhoneNumber == "" {
			return invalid("phone_number", "is required for mobile money")
		}
		if err := validatePhoneNumber(req.PhoneNumber); err != nil {
			return err
		}
		if req.ReturnURL != "" || req.CancelURL != "" {
			return invalid("return_url", "is not accepted for mobile money")
		}
	case domain.ProviderCard:
		if req.ReturnURL == "" {
			return invalid("return_url", "is required for card payments")
		}
		if err := validateURL("return_url", req.ReturnURL); err != nil {
			return err
		}
		if req.CancelURL != "" {
			if err := validateURL("cancel_url", req.CancelURL); err != nil {
				return err
			}
		}
		if req.PhoneNumber != "" {
			return invalid("phone_number", "is not accepted for card payments")
		}
	}

	return nil
}

func validatePhoneNumber(phone string) error {
	digits := 0
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		default:
			return invalid("phone_number", "may only contain digits and a leading +")
		}
	}
	if digits < 9 || digits > 15 {
		return invalid("phone_number", "must have 9 to 15 digits")
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid(field, "must be an absolute http or https URL")
	}
	return nil
}
