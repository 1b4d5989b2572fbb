package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/observer"
	"gitlab.com/timkado/api/livechat-router/internal/tenant"
	"gitlab.com/timkado/api/livechat-router/internal/validator"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
)

const maxDeliveryAttempts = 3

// BusConfig names the stream and subjects used between the reply worker and the routers.
type BusConfig struct {
	Stream      string
	Subject     string // base subject, the tenant id is appended
	MaxAge      time.Duration
	WakeSubject string
}

// DeliveryHandler receives decoded delivery events. A retryable error asks for redelivery.
type DeliveryHandler func(ctx context.Context, ev model.DeliveryEvent) error

// Bus carries auto-reply delivery events and worker wake pings over NATS.
type Bus struct {
	client ClientInterface
	cfg    BusConfig
}

// NewBus creates a Bus on top of the given client.
func NewBus(client ClientInterface, cfg BusConfig) *Bus {
	return &Bus{client: client, cfg: cfg}
}

// Setup ensures the delivery stream exists.
func (b *Bus) Setup(ctx context.Context) error {
	return b.client.SetupStream(ctx, &nats.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.cfg.Subject + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    b.cfg.MaxAge,
	})
}

// PublishDelivery publishes a persisted auto-reply so every router can fan it out.
func (b *Bus) PublishDelivery(ctx context.Context, ev model.DeliveryEvent) error {
	if err := validator.Validate(ev); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", b.cfg.Subject, ev.TenantID)
	headers := map[string]string{nats.MsgIdHdr: ev.Message.ID}
	if err := b.client.Publish(subject, data, headers); err != nil {
		return apperrors.NewRetryable(fmt.Errorf("%w: %v", apperrors.ErrNATS, err), "publish delivery %s", ev.Message.ID)
	}
	logger.FromContext(ctx).Debug("Published delivery event",
		zap.String("subject", subject),
		zap.String("message_id", ev.Message.ID),
	)
	return nil
}

// SubscribeDeliveries attaches handler to every tenant's delivery subject.
func (b *Bus) SubscribeDeliveries(ctx context.Context, handler DeliveryHandler) (*nats.Subscription, error) {
	return b.client.SubscribeEphemeral(b.cfg.Stream, b.cfg.Subject+".>", func(msg *nats.Msg) {
		b.handleDelivery(ctx, msg, handler)
	})
}

func (b *Bus) handleDelivery(ctx context.Context, msg *nats.Msg, handler DeliveryHandler) {
	log := logger.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("[panic] Recovered from panic in delivery handler",
				zap.Any("panic", r),
				zap.String("subject", msg.Subject),
				zap.Stack("stack"),
			)
			if err := msg.Term(); err != nil {
				log.Warn("Failed to TERM delivery after panic", zap.Error(err))
			}
		}
	}()

	var ev model.DeliveryEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Error("Dropping undecodable delivery event", zap.String("subject", msg.Subject), zap.Error(err))
		b.term(ctx, msg)
		return
	}
	if err := validator.Validate(ev); err != nil {
		log.Error("Dropping invalid delivery event", zap.String("subject", msg.Subject), zap.Error(err))
		b.term(ctx, msg)
		return
	}

	evCtx := tenant.WithTenantID(ctx, ev.TenantID)
	err := handler(evCtx, ev)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			log.Debug("Failed to ACK delivery event", zap.Error(ackErr))
		}
		return
	}

	delivered := uint64(1)
	if md, mdErr := msg.Metadata(); mdErr == nil {
		delivered = md.NumDelivered
	}
	if !apperrors.IsRetryable(err) || delivered >= maxDeliveryAttempts {
		logger.FromContext(evCtx).Error("Delivery event handling failed, dropping",
			zap.String("message_id", ev.Message.ID),
			zap.Uint64("delivered", delivered),
			zap.Error(err),
		)
		b.term(ctx, msg)
		return
	}
	logger.FromContext(evCtx).Warn("Delivery event handling failed, requesting redelivery",
		zap.String("message_id", ev.Message.ID),
		zap.Error(err),
	)
	if nakErr := msg.NakWithDelay(time.Second); nakErr != nil {
		log.Debug("Failed to NAK delivery event", zap.Error(nakErr))
	}
}

func (b *Bus) term(ctx context.Context, msg *nats.Msg) {
	if err := msg.Term(); err != nil {
		logger.FromContext(ctx).Debug("Failed to TERM delivery event", zap.Error(err))
	}
}

// Wake pings every worker that new jobs were enqueued. Losing a ping only delays
// the job until the next poll.
func (b *Bus) Wake(ctx context.Context) error {
	siteID, _ := tenant.FromContext(ctx)
	if err := b.client.PublishCore(b.cfg.WakeSubject, []byte(siteID)); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNATS, err)
	}
	observer.IncRelayMessages("wake")
	return nil
}

// SubscribeWake calls fn for every wake ping.
func (b *Bus) SubscribeWake(fn func()) (*nats.Subscription, error) {
	return b.client.SubscribeCore(b.cfg.WakeSubject, func(*nats.Msg) {
		fn()
	})
}

// Healthy reports whether the NATS connection is up.
func (b *Bus) Healthy() bool {
	return b.client.IsConnected()
}
