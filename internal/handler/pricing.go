package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dealerpay/internal/domain"
	"dealerpay/internal/service"
)

// PricingHandler serves the tier price list.
type PricingHandler struct {
	paymentService *service.PaymentService
}

// NewPricingHandler creates a new PricingHandler.
func NewPricingHandler(paymentService *service.PaymentService) *PricingHandler {
	return &PricingHandler{paymentService: paymentService}
}

// PriceListResponse lists every tier's price.
type PriceListResponse struct {
	Provider string              `json:"provider,omitempty"`
	Prices   []domain.PriceQuote `json:"prices"`
}

// List handles GET /v1/pricing
func (h *PricingHandler) List(c *gin.Context) {
	kind := providerParam(c)

	quotes, err := h.paymentService.ListPricing(kind)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, PriceListResponse{Provider: string(kind), Prices: quotes})
}

// Get handles GET /v1/pricing/:tier
func (h *PricingHandler) Get(c *gin.Context) {
	tier, _ := domain.ParseListingTier(c.Param("tier"))

	var (
		quote domain.PriceQuote
		err   error
	)
	if kind := providerParam(c); kind != "" {
		quote, err = h.paymentService.GetProviderPricing(tier, kind)
	} else {
		quote, err = h.paymentService.GetPricingInfo(tier)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, quote)
}

func providerParam(c *gin.Context) domain.ProviderKind {
	return domain.ProviderKind(strings.ToLower(strings.TrimSpace(c.Query("provider"))))
}
