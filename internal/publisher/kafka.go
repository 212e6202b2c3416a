// Package publisher delivers listing activations to the message broker.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"dealerpay/internal/config"
	"dealerpay/internal/domain"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaActivator publishes a ListingActivation per succeeded payment.
// Consumers deduplicate by payment id, which is the message key.
type KafkaActivator struct {
	writer      MessageWriter
	topic       string
	retryConfig config.RetryConfig
	logger      *zap.Logger
}

// NewKafkaActivator creates a publisher writing to cfg.ActivationTopic.
func NewKafkaActivator(cfg config.KafkaConfig, logger *zap.Logger) *KafkaActivator {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.ActivationTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}
	return NewKafkaActivatorWithWriter(writer, cfg.ActivationTopic, cfg.GetRetryConfig(), logger)
}

// NewKafkaActivatorWithWriter creates a publisher over an existing writer.
func NewKafkaActivatorWithWriter(writer MessageWriter, topic string, retryConfig config.RetryConfig, logger *zap.Logger) *KafkaActivator {
	if retryConfig.MaxAttempts == 0 {
		retryConfig.MaxAttempts = 5
	}
	if retryConfig.BaseDelay == 0 {
		retryConfig.BaseDelay = 100 * time.Millisecond
	}
	if retryConfig.MaxDelay == 0 {
		retryConfig.MaxDelay = 10 * time.Second
	}

	return &KafkaActivator{
		writer:      writer,
		topic:       topic,
		retryConfig: retryConfig,
		logger:      logger,
	}
}

// Activate implements service.ListingActivator.
func (p *KafkaActivator) Activate(ctx context.Context, activation domain.ListingActivation) error {
	data, err := json.Marshal(activation)
	if err != nil {
		return fmt.Errorf("marshal activation: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(activation.PaymentID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("listing.promotion.activated")},
		},
	}

	return p.publishWithRetry(ctx, msg)
}

// Close flushes and closes the underlying writer.
func (p *KafkaActivator) Close() error {
	return p.writer.Close()
}

func (p *KafkaActivator) publishWithRetry(ctx context.Context, msg kafka.Message) error {
	var lastErr error

	for attempt := 0; attempt < p.retryConfig.MaxAttempts; attempt++ {
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			if attempt > 0 {
				p.logger.Info("activation published after retry",
					zap.String("topic", p.topic),
					zap.Int("attempts", attempt+1),
				)
			}
			return nil
		}

		lastErr = err

		if attempt == p.retryConfig.MaxAttempts-1 {
			break
		}

		delay := p.calculateBackoff(attempt)

		p.logger.Warn("activation publish failed, retrying",
			zap.String("topic", p.topic),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.retryConfig.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
			continue
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("publish to topic %q failed after %d attempts: %w",
		p.topic, p.retryConfig.MaxAttempts, lastErr)
}

func (p *KafkaActivator) calculateBackoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * p.retryConfig.BaseDelay

	if delay > p.retryConfig.MaxDelay {
		delay = p.retryConfig.MaxDelay
	}

	// ±15%
	if p.retryConfig.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - time.Duration(float64(delay)*0.15)
	}

	return delay
}
