package domain

import "time"

// HandleKind describes how the payer continues after initiation.
type HandleKind string

const (
	// HandleRedirect sends the payer to a hosted checkout page.
	HandleRedirect HandleKind = "redirect"
	// HandlePush means a prompt was pushed to the payer's phone.
	HandlePush HandleKind = "push"
)

// ProviderHandle is the opaque reference a provider returns for an in-flight transaction.
type ProviderHandle struct {
	Kind              HandleKind `json:"kind"`
	ExternalID        string     `json:"external_id"`
	RedirectURL       string     `json:"redirect_url,omitempty"`
	ClientSecret      string     `json:"client_secret,omitempty"`
	CheckoutRequestID string     `json:"checkout_request_id,omitempty"`
	MerchantRequestID string     `json:"merchant_request_id,omitempty"`
	CustomerMessage   string     `json:"customer_message,omitempty"`
}

// Outcome is a provider's verdict on a transaction.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDenied    Outcome = "denied"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeExpired   Outcome = "expired"
	// OutcomeProcessing is only returned by status queries; it never reaches the listener.
	OutcomeProcessing Outcome = "processing"
)

// TargetStatus maps an outcome to the payment status it produces.
func (o Outcome) TargetStatus() (PaymentStatus, bool) {
	switch o {
	case OutcomeConfirmed:
		return PaymentStatusSucceeded, true
	case OutcomeDenied, OutcomeExpired:
		return PaymentStatusFailed, true
	case OutcomeAbandoned:
		return PaymentStatusCanceled, true
	default:
		return "", false
	}
}

// ProviderNotification is an asynchronous status update from a provider.
type ProviderNotification struct {
	Provider          ProviderKind
	ProviderReference string
	Outcome           Outcome
	Reason            string
	EventID           string
}

// ListingActivation is emitted once a payment succeeds so the listing can be promoted.
type ListingActivation struct {
	PaymentID   string      `json:"payment_id"`
	UserID      string      `json:"user_id"`
	ListingID   string      `json:"listing_id,omitempty"`
	Tier        ListingTier `json:"tier"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	ActivatedAt time.Time   `json:"activated_at"`
}
