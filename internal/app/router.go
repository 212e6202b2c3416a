package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dealerpay/internal/handler"
	"dealerpay/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	PaymentHandler *handler.PaymentHandler
	PricingHandler *handler.PricingHandler
	WebhookHandler *handler.WebhookHandler
	RedisClient    *redis.Client
	NewRelicApp    *newrelic.Application
	JWTSecret      []byte
	JWTIssuer      string
	IdempotencyTTL time.Duration
	Logger         *zap.Logger
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware.
	router.Use(gin.Recovery())
	router.Use(requestLogger(deps.Logger))

	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		pricing := v1.Group("/pricing")
		{
			pricing.GET("", deps.PricingHandler.List)
			pricing.GET("/:tier", deps.PricingHandler.Get)
		}

		// Payment routes.
		payments := v1.Group("/payments",
			middleware.AuthMiddleware(deps.JWTSecret, deps.JWTIssuer),
			middleware.NewRelicAttributes(),
			middleware.IdempotencyMiddleware(deps.RedisClient, deps.IdempotencyTTL, deps.Logger),
		)
		{
			payments.POST("/intents", deps.PaymentHandler.CreateIntent)
			payments.GET("/:id", deps.PaymentHandler.GetPayment)
		}

		// Provider callbacks authenticate themselves.
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/card", deps.WebhookHandler.Card)
			webhooks.POST("/mobile-money", deps.WebhookHandler.MobileMoney)
		}
	}

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
