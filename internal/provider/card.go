package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"

	"dealerpay/internal/domain"
)

// CardConfig configures the card adapter.
type CardConfig struct {
	SecretKey     string
	WebhookSecret string
	ProductPrefix string
	Timeout       time.Duration
	// SessionTTL bounds how long the hosted page accepts payment. Stripe requires 30m to 24h.
	SessionTTL time.Duration
	// BackendURL overrides the API base URL. Empty means the live Stripe API.
	BackendURL string
}

// CardAdapter creates hosted checkout sessions with Stripe.
type CardAdapter struct {
	sessions      session.Client
	webhookSecret string
	productPrefix string
	timeout       time.Duration
	sessionTTL    time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// NewCardAdapter creates a CardAdapter.
func NewCardAdapter(cfg CardConfig, logger *zap.Logger) *CardAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SessionTTL < 30*time.Minute {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.ProductPrefix == "" {
		cfg.ProductPrefix = "Listing promotion"
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Sugar(),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}

	return &CardAdapter{
		sessions: session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
		productPrefix: cfg.ProductPrefix,
		timeout:       cfg.Timeout,
		sessionTTL:    cfg.SessionTTL,
		logger:        logger,
		now:           time.Now,
	}
}

// Kind implements Adapter.
func (a *CardAdapter) Kind() domain.ProviderKind { return domain.ProviderCard }

// Idempotent implements NativelyIdempotent. Stripe deduplicates by Idempotency-Key.
func (a *CardAdapter) Idempotent() bool { return true }

// Initiate creates a Checkout Session and returns its redirect URL.
func (a *CardAdapter) Initiate(ctx context.Context, req InitiateRequest) (*domain.ProviderHandle, error) {
	defer newrelic.FromContext(ctx).StartSegment("stripe.checkout.session.create").End()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = req.ReturnURL
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(req.ReturnURL),
		CancelURL:          stripe.String(cancelURL),
		ClientReferenceID:  stripe.String(req.PaymentID),
		ExpiresAt:          stripe.Int64(a.now().Add(a.sessionTTL).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Quote.Currency)),
					UnitAmount: stripe.Int64(req.Quote.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%s: %s", a.productPrefix, req.Quote.Tier)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.AddMetadata("payment_id", req.PaymentID)
	params.AddMetadata("tier", string(req.Quote.Tier))
	params.AddMetadata("user_id", req.UserID)
	if req.ListingID != "" {
		params.AddMetadata("listing_id", req.ListingID)
	}

	s, err := a.sessions.New(params)
	if err != nil {
		return nil, a.classify(ctx, err)
	}
	if s.ID == "" || s.URL == "" {
		return nil, unavailable(domain.ProviderCard, "checkout session response missing id or url", nil)
	}

	return &domain.ProviderHandle{
		Kind:        domain.HandleRedirect,
		ExternalID:  s.ID,
		RedirectURL: s.URL,
	}, nil
}

func (a *CardAdapter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return unavailable(domain.ProviderCard, "request timed out", err)
	}

	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode >= http.StatusInternalServerError || serr.HTTPStatusCode == http.StatusTooManyRequests {
			return unavailable(domain.ProviderCard, serr.Msg, err)
		}
		if serr.HTTPStatusCode == 0 {
			return unavailable(domain.ProviderCard, "no response", err)
		}
		return rejected(domain.ProviderCard, serr.Msg, err)
	}

	return unavailable(domain.ProviderCard, "transport error", err)
}

// ParseWebhook verifies a Stripe webhook and converts it to a notification.
// Events that carry no final outcome return a nil notification and no error.
func (a *CardAdapter) ParseWebhook(payload []byte, signature string) (*domain.ProviderNotification, error) {
	event, err := webhook.ConstructEvent(payload, signature, a.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var outcome domain.Outcome
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		outcome = domain.OutcomeConfirmed
	case "checkout.session.async_payment_failed":
		outcome = domain.OutcomeDenied
	case "checkout.session.expired":
		outcome = domain.OutcomeAbandoned
	default:
		return nil, nil
	}

	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedPayload, event.ID)
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if cs.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedPayload)
	}

	// Completed but unpaid means a delayed payment method; the async events carry the verdict.
	if event.Type == "checkout.session.completed" && cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return nil, nil
	}

	reason := ""
	switch outcome {
	case domain.OutcomeDenied:
		reason = "card payment failed"
	case domain.OutcomeAbandoned:
		reason = "checkout session expired"
	}

	return &domain.ProviderNotification{
		Provider:          domain.ProviderCard,
		ProviderReference: cs.ID,
		Outcome:           outcome,
		Reason:            reason,
		EventID:           event.ID,
	}, nil
}
