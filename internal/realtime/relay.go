package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/pkg/logger"
)

// RelayEnvelope is a room emit mirrored between router instances.
type RelayEnvelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Relay mirrors room emits to the other router instances.
type Relay interface {
	Publish(ctx context.Context, env RelayEnvelope) error
}

type nopRelay struct{}

func (nopRelay) Publish(context.Context, RelayEnvelope) error { return nil }

// RedisRelay mirrors emits over a redis pub/sub channel.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisRelay creates a relay on channel.
func NewRedisRelay(client redis.UniversalClient, channel string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel}
}

// Publish sends env to every subscribed instance.
func (r *RedisRelay) Publish(ctx context.Context, env RelayEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish on %s: %w", r.channel, err)
	}
	return nil
}

// Run delivers relayed emits to handle until ctx ends. go-redis resubscribes on its own
// after connection loss.
func (r *RedisRelay) Run(ctx context.Context, handle func(RelayEnvelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe to %s: %w", r.channel, err)
	}
	log := logger.FromContext(ctx)
	log.Info("Room relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeRelay(msg.Payload)
			if err != nil {
				log.Warn("Dropping malformed relay message", zap.Error(err))
				continue
			}
			handle(env)
		}
	}
}

func decodeRelay(payload string) (RelayEnvelope, error) {
	var env RelayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return RelayEnvelope{}, err
	}
	if env.Room == "" || len(env.Payload) == 0 {
		return RelayEnvelope{}, fmt.Errorf("relay envelope without room or payload")
	}
	return env, nil
}
