package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence records which visitors are online so sessions attached to other instances
// can be listed. MarkOffline reports whether the visitor is still attached to another
// instance.
type Presence interface {
	MarkOnline(ctx context.Context, tenantID, visitorID, chatID string) error
	MarkOffline(ctx context.Context, tenantID, visitorID string) (bool, error)
	Online(ctx context.Context, tenantID string) (map[string]string, error)
}

type nopPresence struct{}

func (nopPresence) MarkOnline(context.Context, string, string, string) error { return nil }
func (nopPresence) MarkOffline(context.Context, string, string) (bool, error) {
	return false, nil
}
func (nopPresence) Online(context.Context, string) (map[string]string, error) {
	return nil, nil
}

// RedisPresence keeps a hash of visitor id to chat id per site, plus one hash per visitor
// naming the instances holding a tab of that visitor.
type RedisPresence struct {
	client   redis.UniversalClient
	instance string
	ttl      time.Duration
}

// NewRedisPresence creates a presence store for instance whose keys expire after ttl of
// inactivity.
func NewRedisPresence(client redis.UniversalClient, instance string, ttl time.Duration) *RedisPresence {
	return &RedisPresence{client: client, instance: instance, ttl: ttl}
}

func presenceKey(tenantID string) string {
	return "presence:visitors:" + tenantID
}

func instancesKey(tenantID, visitorID string) string {
	return "presence:instances:" + tenantID + ":" + visitorID
}

// KEYS[1] instances of the visitor, KEYS[2] site hash. ARGV[1] instance, ARGV[2] visitor.
// Returns the number of instances still holding the visitor.
var markOfflineScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
local left = redis.call("HLEN", KEYS[1])
if left == 0 then
	redis.call("HDEL", KEYS[2], ARGV[2])
end
return left
`)

// MarkOnline stores the visitor for this instance and refreshes the ttls.
func (p *RedisPresence) MarkOnline(ctx context.Context, tenantID, visitorID, chatID string) error {
	key, instances := presenceKey(tenantID), instancesKey(tenantID, visitorID)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, visitorID, chatID)
	pipe.HSet(ctx, instances, p.instance, chatID)
	if p.ttl > 0 {
		pipe.Expire(ctx, key, p.ttl)
		pipe.Expire(ctx, instances, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark %s online: %w", visitorID, err)
	}
	return nil
}

// MarkOffline drops this instance's hold on the visitor. The visitor leaves the site hash
// only when no instance holds it any more.
func (p *RedisPresence) MarkOffline(ctx context.Context, tenantID, visitorID string) (bool, error) {
	left, err := markOfflineScript.Run(ctx, p.client,
		[]string{instancesKey(tenantID, visitorID), presenceKey(tenantID)},
		p.instance, visitorID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("mark %s offline: %w", visitorID, err)
	}
	return left > 0, nil
}

// Online returns visitor id to chat id for the site.
func (p *RedisPresence) Online(ctx context.Context, tenantID string) (map[string]string, error) {
	out, err := p.client.HGetAll(ctx, presenceKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list online visitors: %w", err)
	}
	return out, nil
}
