package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deskrelay/internal/constants"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const maxDialDelay = 60 * time.Second

// Publisher emits queue lifecycle events. Publishing is best-effort from the
// caller's point of view; queue operations never fail because an event could
// not be delivered.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, env Envelope) error
	Close() error
}

// Config holds broker connection settings.
type Config struct {
	URL          string        `json:"url"`
	Exchange     string        `json:"exchange"`
	DialAttempts int           `json:"dial_attempts"`
	DialDelay    time.Duration `json:"-"`
}

// NewPublisher connects to the broker and declares the topic exchange. When
// no URL is configured it returns a no-op publisher, so callers can emit
// unconditionally.
func NewPublisher(ctx context.Context, cfg Config, logger *logrus.Logger) (Publisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.URL == "" {
		logger.Info("Event publishing is disabled (no broker URL configured)")
		return &noopPublisher{}, nil
	}

	if cfg.Exchange == "" {
		cfg.Exchange = constants.DefaultEventsExchange
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = constants.DefaultEventsDialAttempts
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = time.Duration(constants.DefaultEventsDialDelayMs) * time.Millisecond
	}

	conn, err := dialWithRetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		cfg.Exchange, "topic", true, false, false, false, nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	logger.WithFields(logrus.Fields{
		"exchange": cfg.Exchange,
	}).Info("Event publisher connected")

	return &amqpPublisher{
		conn:     conn,
		exchange: cfg.Exchange,
		logger:   logger,
	}, nil
}

// dialWithRetry connects to the broker with exponential backoff, respecting
// context cancellation for graceful shutdown.
func dialWithRetry(ctx context.Context, cfg Config, logger *logrus.Logger) (*amqp091.Connection, error) {
	var lastErr error

	delay := cfg.DialDelay
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("Broker connected")
			}
			return conn, nil
		}
		lastErr = err

		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"sleep":   delay.String(),
			"error":   err.Error(),
		}).Warn("Broker dial failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("broker dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDialDelay {
			delay = maxDialDelay
		}
	}

	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", cfg.DialAttempts, lastErr)
}

type amqpPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *logrus.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	correlationID := ""
	if env.Meta.CorrelationID != nil {
		correlationID = *env.Meta.CorrelationID
	} else {
		correlationID = uuid.NewString()
	}

	err = ch.PublishWithContext(
		ctx, p.exchange, routingKey, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     env.Meta.ID,
			CorrelationId: correlationID,
			Timestamp:     env.Meta.Time,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.logger.WithFields(logrus.Fields{
		"routing_key": routingKey,
		"exchange":    p.exchange,
		"event_id":    env.Meta.ID,
	}).Debug("Published event")
	return nil
}

func (p *amqpPublisher) Close() error {
	return p.conn.Close()
}

type noopPublisher struct{}

func (n *noopPublisher) Publish(ctx context.Context, routingKey string, env Envelope) error {
	return nil
}

func (n *noopPublisher) Close() error {
	return nil
}
