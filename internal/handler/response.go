package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dealerpay/internal/provider"
	"dealerpay/internal/service"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	// PaymentID names the payment record a failed intent left behind.
	PaymentID string `json:"payment_id,omitempty"`
}

// respondError sends an error response with the appropriate HTTP status code.
// Internal errors are reported with a generic message.
func respondError(c *gin.Context, err error) {
	code := mapErrorToHTTPStatus(err)
	_ = c.Error(err)

	resp := ErrorResponse{Error: err.Error()}
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		resp = ErrorResponse{Error: verr.Field + " " + verr.Reason, Field: verr.Field}
	case code == http.StatusPaymentRequired, code == http.StatusServiceUnavailable:
		resp.Error = provider.Reason(err)
	case code == http.StatusInternalServerError:
		resp.Error = "internal error"
	}
	if id, ok := service.FailedPaymentID(err); ok {
		resp.PaymentID = id
		c.Header("Location", "/v1/payments/"+id)
	}
	c.JSON(code, resp)
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// mapErrorToHTTPStatus maps service and provider errors to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest

	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrIdempotencyMismatch),
		errors.Is(err, provider.ErrInitiationPending):
		return http.StatusConflict

	case errors.Is(err, provider.ErrRejected):
		return http.StatusPaymentRequired

	case errors.Is(err, provider.ErrUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
