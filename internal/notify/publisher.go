// Package notify hands new leads to the outbound notification pipeline over RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/observer"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

// EventLeadCreated is the envelope type of lead notifications.
const EventLeadCreated = "lead.created"

// Config controls where leads are published and when the breaker opens.
type Config struct {
	Exchange        string
	RoutingKey      string
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Envelope is the message body published for every notification.
type Envelope struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	OccurredAt string     `json:"occurredAt"`
	Data       model.Lead `json:"data"`
}

// Channel is the part of an AMQP channel the publisher uses. *amqp091.Channel
// satisfies it.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher publishes lead notifications through a circuit breaker so an unavailable
// broker fails fast instead of holding up lead handling.
type Publisher struct {
	cfg     Config
	open    func() (Channel, error)
	closeFn func() error
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger

	mu sync.Mutex
	ch Channel
}

// Dial connects to RabbitMQ and declares the notification exchange.
func Dial(url string, cfg Config, baseLogger *zap.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: rabbitmq dial: %v", apperrors.ErrTransientIO, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: rabbitmq channel: %v", apperrors.ErrTransientIO, err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	open := func() (Channel, error) { return conn.Channel() }
	p := newPublisher(cfg, open, baseLogger)
	p.closeFn = conn.Close
	return p, nil
}

func newPublisher(cfg Config, open func() (Channel, error), baseLogger *zap.Logger) *Publisher {
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = EventLeadCreated
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	log := baseLogger.Named("notify")
	settings := gobreaker.Settings{
		Name:        "lead-notifications",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Publisher{
		cfg:     cfg,
		open:    open,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

// NotifyNewLead publishes a lead.created envelope. Errors are returned for logging
// only; the chat path never waits on them.
func (p *Publisher) NotifyNewLead(ctx context.Context, lead model.Lead) error {
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       EventLeadCreated,
		OccurredAt: utils.FormatISO8601(utils.Now()),
		Data:       lead,
	}
	body, err := json.Marshal(env)
	if err != nil {
		observer.IncNotifications("failed")
		return fmt.Errorf("encode lead: %w", err)
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publish(ctx, env.ID, body)
	})
	switch {
	case err == nil:
		observer.IncNotifications("sent")
		logger.FromContextOr(ctx, p.log).Debug("Lead notification published",
			zap.String("chat_id", lead.ChatID), zap.String("notification_id", env.ID))
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observer.IncNotifications("rejected")
		return fmt.Errorf("%w: lead notifications suspended: %v", apperrors.ErrTransientIO, err)
	default:
		observer.IncNotifications("failed")
		return err
	}
}

func (p *Publisher) publish(ctx context.Context, id string, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    id,
		Timestamp:    utils.Now(),
		Body:         body,
	})
	if err != nil {
		// a failed publish may leave the channel closed; open a fresh one next time
		p.dropChannel(ch)
		return fmt.Errorf("%w: publish lead: %v", apperrors.ErrTransientIO, err)
	}
	return nil
}

func (p *Publisher) channel() (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", apperrors.ErrTransientIO, err)
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) dropChannel(ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		_ = ch.Close()
		p.ch = nil
	}
}

// Close releases the channel and the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	p.mu.Unlock()
	if p.closeFn != nil {
		return p.closeFn()
	}
	return nil
}

// Nop drops every notification. It is used when no broker is configured.
type Nop struct{}

// NotifyNewLead implements the notifier interface.
func (Nop) NotifyNewLead(context.Context, model.Lead) error { return nil }
