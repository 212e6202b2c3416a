package app

import (
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dealerpay/internal/config"
	"dealerpay/internal/domain"
	"dealerpay/internal/provider"
	"dealerpay/internal/publisher"
	internalRedis "dealerpay/internal/redis"
	"dealerpay/internal/service"
)

// Providers holds the enabled provider adapters.
type Providers struct {
	Registry *provider.Registry
	// Card and MobileMoney are nil when the provider is disabled.
	Card        *provider.CardAdapter
	MobileMoney *provider.MobileMoneyAdapter
	Queriers    map[domain.ProviderKind]provider.StatusQuerier
}

// NewProviders builds the adapters enabled in cfg. The mobile-money adapter is wrapped so that
// a retried idempotency key never sends a second STK push.
func NewProviders(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*Providers, error) {
	p := &Providers{Queriers: make(map[domain.ProviderKind]provider.StatusQuerier)}
	var adapters []provider.Adapter

	if cfg.Card.Enabled {
		p.Card = provider.NewCardAdapter(provider.CardConfig{
			SecretKey:     cfg.Card.SecretKey,
			WebhookSecret: cfg.Card.WebhookSecret,
			ProductPrefix: cfg.Card.ProductPrefix,
			Timeout:       cfg.Card.Timeout,
			SessionTTL:    cfg.Card.SessionTTL,
			BackendURL:    cfg.Card.BackendURL,
		}, logger.Named("card"))
		adapters = append(adapters, p.Card)
	}

	if cfg.MobileMoney.Enabled {
		callbackURL, err := withToken(cfg.MobileMoney.CallbackURL, cfg.MobileMoney.CallbackToken)
		if err != nil {
			return nil, err
		}
		p.MobileMoney = provider.NewMobileMoneyAdapter(provider.MobileMoneyConfig{
			BaseURL:        cfg.MobileMoney.BaseURL,
			ConsumerKey:    cfg.MobileMoney.ConsumerKey,
			ConsumerSecret: cfg.MobileMoney.ConsumerSecret,
			ShortCode:      cfg.MobileMoney.ShortCode,
			PassKey:        cfg.MobileMoney.Passkey,
			CallbackURL:    callbackURL,
			Timeout:        cfg.MobileMoney.Timeout,
		}, logger.Named("mobile_money"))
		p.Queriers[domain.ProviderMobileMoney] = p.MobileMoney

		var cache provider.HandleCache = provider.NewMemoryHandleCache()
		if redisClient != nil {
			cache = internalRedis.NewInitiationCache(redisClient)
		}
		adapters = append(adapters, provider.NewIdempotentAdapter(p.MobileMoney, cache, cfg.Redis.IdempotencyTTL, logger))
	}

	p.Registry = provider.NewRegistry(adapters...)
	return p, nil
}

// NewActivator returns the Kafka publisher when enabled and the log activator otherwise.
// The returned close func is never nil.
func NewActivator(cfg config.KafkaConfig, logger *zap.Logger) (service.ListingActivator, func() error) {
	if !cfg.Enabled {
		return service.NewLogActivator(logger), func() error { return nil }
	}
	activator := publisher.NewKafkaActivator(cfg, logger.Named("kafka"))
	return activator, activator.Close
}

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid mobile money callback url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
