package domain

import "time"

// PaymentStatus represents the current status of a payment.
type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "pending"
	PaymentStatusRequiresAction PaymentStatus = "requires_action"
	PaymentStatusSucceeded      PaymentStatus = "succeeded"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusCanceled       PaymentStatus = "canceled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a payment may move from one status to another.
// pending -> pending is allowed so that a pending row can be patched in place.
func CanTransition(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusPending:
		switch to {
		case PaymentStatusPending, PaymentStatusRequiresAction, PaymentStatusSucceeded, PaymentStatusFailed:
			return true
		}
	case PaymentStatusRequiresAction:
		switch to {
		case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCanceled:
			return true
		}
	}
	return false
}

// ProviderKind identifies which payment provider handles a payment.
type ProviderKind string

const (
	ProviderCard        ProviderKind = "card"
	ProviderMobileMoney ProviderKind = "mobile_money"
)

// IsValid reports whether p is a supported provider.
func (p ProviderKind) IsValid() bool {
	return p == ProviderCard || p == ProviderMobileMoney
}

// Payment is a single attempt to buy a listing tier.
type Payment struct {
	ID                string
	UserID            string
	ListingID         string // empty when the listing does not exist yet
	Tier              ListingTier
	Provider          ProviderKind
	Amount            int64
	Currency          string
	Status            PaymentStatus
	ProviderReference string
	RedirectURL       string
	MerchantRequestID string
	FailureReason     string
	IdempotencyKey    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	// ActivatedAt is zero until the listing activation of a succeeded payment was published.
	ActivatedAt time.Time
}

// Quote returns the price the payment was created with.
func (p *Payment) Quote() PriceQuote {
	return PriceQuote{Tier: p.Tier, Amount: p.Amount, Currency: p.Currency}
}

// PaymentPatch holds the fields changed by a guarded update. Nil fields are left untouched.
type PaymentPatch struct {
	Status            *PaymentStatus
	ProviderReference *string
	RedirectURL       *string
	MerchantRequestID *string
	FailureReason     *string
}

// PaymentRequest is the input to payment intent creation.
type PaymentRequest struct {
	Tier           ListingTier
	UserID         string
	ListingID      string
	Provider       ProviderKind
	PhoneNumber    string // required iff Provider is mobile_money
	ReturnURL      string // required iff Provider is card
	CancelURL      string // card only; defaults to ReturnURL
	IdempotencyKey string
}
