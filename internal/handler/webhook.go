package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealerpay/internal/domain"
	"dealerpay/internal/provider"
	"dealerpay/internal/service"
)

const maxWebhookBody = 64 << 10

// CallbackHandler applies provider notifications. Implemented by service.ReconciliationService.
type CallbackHandler interface {
	HandleProviderCallback(ctx context.Context, n domain.ProviderNotification) error
}

// CardWebhookParser verifies and decodes card provider webhooks.
type CardWebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*domain.ProviderNotification, error)
}

// MobileMoneyCallbackParser decodes mobile-money result callbacks.
type MobileMoneyCallbackParser interface {
	ParseCallback(payload []byte) (*domain.ProviderNotification, error)
}

// EventDeduper remembers processed webhook events.
type EventDeduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// WebhookHandler receives provider notifications.
type WebhookHandler struct {
	callbacks     CallbackHandler
	card          CardWebhookParser
	mobileMoney   MobileMoneyCallbackParser
	callbackToken string
	deduper       EventDeduper
	logger        *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler. Either parser may be nil when its provider is disabled.
func NewWebhookHandler(
	callbacks CallbackHandler,
	card CardWebhookParser,
	mobileMoney MobileMoneyCallbackParser,
	callbackToken string,
	deduper EventDeduper,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		callbacks:     callbacks,
		card:          card,
		mobileMoney:   mobileMoney,
		callbackToken: callbackToken,
		deduper:       deduper,
		logger:        logger,
	}
}

// mobileMoneyAck is the body Daraja expects in reply to a result callback.
type mobileMoneyAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Card handles POST /v1/webhooks/card
func (h *WebhookHandler) Card(c *gin.Context) {
	if h.card == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "card payments are not enabled"})
		return
	}

	payload, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable body"})
		return
	}

	n, err := h.card.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("card webhook rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid webhook"})
		return
	}
	if n == nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.process(c.Request.Context(), *n); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// MobileMoney handles POST /v1/webhooks/mobile-money
// Daraja does not sign callbacks; the callback URL carries a shared token instead.
func (h *WebhookHandler) MobileMoney(c *gin.Context) {
	if h.mobileMoney == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "mobile money payments are not enabled"})
		return
	}

	token := c.Query("token")
	if h.callbackToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.callbackToken)) != 1 {
		h.logger.Warn("mobile money callback with invalid token", zap.String("remote_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, mobileMoneyAck{ResultCode: 1, ResultDesc: "Rejected"})
		return
	}

	payload, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, mobileMoneyAck{ResultCode: 1, ResultDesc: "Rejected"})
		return
	}

	n, err := h.mobileMoney.ParseCallback(payload)
	if err != nil {
		h.logger.Warn("mobile money callback rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, mobileMoneyAck{ResultCode: 1, ResultDesc: "Rejected"})
		return
	}

	if err := h.process(c.Request.Context(), *n); err != nil {
		c.JSON(http.StatusInternalServerError, mobileMoneyAck{ResultCode: 1, ResultDesc: "Failed"})
		return
	}
	c.JSON(http.StatusOK, mobileMoneyAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// process applies n once per event id. Only errors worth a provider retry are returned.
func (h *WebhookHandler) process(ctx context.Context, n domain.ProviderNotification) error {
	log := h.logger.With(
		zap.String("provider", string(n.Provider)),
		zap.String("event_id", n.EventID),
		zap.String("provider_reference", n.ProviderReference),
	)

	if h.deduper != nil && n.EventID != "" {
		seen, err := h.deduper.Seen(ctx, n.EventID)
		if err != nil {
			log.Warn("webhook dedup unavailable", zap.Error(err))
		} else if seen {
			log.Debug("duplicate webhook event ignored")
			return nil
		}
	}

	err := h.callbacks.HandleProviderCallback(ctx, n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrValidation):
		// Retrying would not change the outcome.
		log.Warn("webhook event not applied", zap.Error(err))
		return nil
	default:
		log.Error("webhook processing failed", zap.Error(err))
		if h.deduper != nil && n.EventID != "" {
			if ferr := h.deduper.Forget(context.WithoutCancel(ctx), n.EventID); ferr != nil {
				log.Warn("failed to forget webhook event", zap.Error(ferr))
			}
		}
		return err
	}
}

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
}

var (
	_ CardWebhookParser         = (*provider.CardAdapter)(nil)
	_ MobileMoneyCallbackParser = (*provider.MobileMoneyAdapter)(nil)
	_ CallbackHandler           = (*service.ReconciliationService)(nil)
)
