package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dealerpay/internal/domain"
	"dealerpay/internal/middleware"
	"dealerpay/internal/service"
)

// PaymentHandler handles HTTP requests for payment intents.
type PaymentHandler struct {
	paymentService *service.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentService *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

// CreateIntentRequest is the HTTP request body for creating a payment intent.
type CreateIntentRequest struct {
	Tier        string `json:"tier"`
	Provider    string `json:"provider"`
	ListingID   string `json:"listing_id"`
	PhoneNumber string `json:"phone_number"`
	ReturnURL   string `json:"return_url"`
	CancelURL   string `json:"cancel_url"`
	// IdempotencyKey is used when the Idempotency-Key header is absent.
	IdempotencyKey string `json:"idempotency_key"`
}

// IntentResponse is the HTTP response for payment intent creation.
type IntentResponse struct {
	PaymentID string                 `json:"payment_id"`
	Status    string                 `json:"status"`
	Quote     domain.PriceQuote      `json:"quote"`
	Handle    *domain.ProviderHandle `json:"handle"`
	Replayed  bool                   `json:"replayed"`
}

// PaymentResponse is the HTTP response for payment lookups.
type PaymentResponse struct {
	ID                string    `json:"id"`
	ListingID         string    `json:"listing_id,omitempty"`
	Tier              string    `json:"tier"`
	Provider          string    `json:"provider"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	RedirectURL       string    `json:"redirect_url,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CreateIntent handles POST /v1/payments/intents
func (h *PaymentHandler) CreateIntent(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated"})
		return
	}

	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	key := strings.TrimSpace(c.GetHeader(middleware.IdempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	tier, _ := domain.ParseListingTier(req.Tier)

	result, err := h.paymentService.CreatePaymentIntent(c.Request.Context(), domain.PaymentRequest{
		Tier:           tier,
		UserID:         userID,
		ListingID:      strings.TrimSpace(req.ListingID),
		Provider:       domain.ProviderKind(strings.ToLower(strings.TrimSpace(req.Provider))),
		PhoneNumber:    strings.TrimSpace(req.PhoneNumber),
		ReturnURL:      strings.TrimSpace(req.ReturnURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	code := http.StatusCreated
	if result.Replayed {
		code = http.StatusOK
	}
	c.Header("Location", "/v1/payments/"+result.PaymentID)
	respondJSON(c, code, IntentResponse{
		PaymentID: result.PaymentID,
		Status:    string(result.Status),
		Quote:     result.Quote,
		Handle:    result.Handle,
		Replayed:  result.Replayed,
	})
}

// GetPayment handles GET /v1/payments/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated"})
		return
	}

	payment, err := h.paymentService.GetPayment(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, PaymentResponse{
		ID:                payment.ID,
		ListingID:         payment.ListingID,
		Tier:              string(payment.Tier),
		Provider:          string(payment.Provider),
		Amount:            payment.Amount,
		Currency:          payment.Currency,
		Status:            string(payment.Status),
		ProviderReference: payment.ProviderReference,
		RedirectURL:       payment.RedirectURL,
		FailureReason:     payment.FailureReason,
		CreatedAt:         payment.CreatedAt,
		UpdatedAt:         payment.UpdatedAt,
	})
}
