package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

// Message is the envelope published for every job event.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   model.JobEvent `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Runner     ChannelRunner // Required
	Exchange   string        // Required: topic exchange name
	RoutingKey string        // Required: prefix; the event suffix is appended
	Clock      quartz.Clock
	Logger     *slog.Logger
}

// Publisher implements core.JobEventPublisher over an AMQP topic exchange.
type Publisher struct {
	runner     ChannelRunner
	exchange   string
	routingKey string
	clock      quartz.Clock
	logger     *slog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Runner == nil {
		return nil, errors.New("ChannelRunner is required")
	}
	if strings.TrimSpace(opts.Exchange) == "" {
		return nil, errors.New("exchange is required")
	}
	if strings.TrimSpace(opts.RoutingKey) == "" {
		return nil, errors.New("routing key is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		runner:     opts.Runner,
		exchange:   opts.Exchange,
		routingKey: strings.TrimSuffix(opts.RoutingKey, "."),
		clock:      clock,
		logger:     logger.With("component", "job_event_publisher"),
	}, nil
}

// DeclareTopology declares the durable topic exchange events are published to.
func (p *Publisher) DeclareTopology(ctx context.Context) error {
	return p.runner.WithChannel(ctx, func(ch Channel) error {
		if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
		}
		return nil
	})
}

// RoutingKey returns the key an event of type t is published with, e.g. "job.events.completed".
func (p *Publisher) RoutingKey(t model.JobEventType) string {
	return p.routingKey + "." + strings.TrimPrefix(string(t), "job.")
}

// PublishJobEvent implements core.JobEventPublisher.
func (p *Publisher) PublishJobEvent(ctx context.Context, event model.JobEvent) error {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      string(event.Type),
		Payload:   event,
		Timestamp: p.clock.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	key := p.RoutingKey(event.Type)
	err = p.runner.WithChannel(ctx, func(ch Channel) error {
		return ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         msg.Type,
			Body:         body,
		})
	})
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeUnavailable, "publish %s to %s/%s", event.Type, p.exchange, key)
	}

	p.logger.DebugContext(ctx, "published job event",
		"routing_key", key,
		"message_id", msg.ID,
		"job_id", event.JobID,
	)
	return nil
}
