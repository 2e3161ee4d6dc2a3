package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scheduleDueScript pops due members from a sorted set in one round trip so
// that two instances sweeping the same key never promote a member twice.
const scheduleDueScript = `
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #items > 0 then
	redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`

type RedisOptions struct {
	// Namespace is prepended to every key and channel name.
	Namespace string
	Logger    *slog.Logger
}

// Redis implements Store on top of a go-redis client.
type Redis struct {
	client    *redis.Client
	namespace string
	dueScript *redis.Script
	logger    *slog.Logger
}

func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:    client,
		namespace: opts.Namespace,
		dueScript: redis.NewScript(scheduleDueScript),
		logger:    logger.With("component", "store.redis"),
	}
}

func (r *Redis) key(k string) string {
	return r.namespace + k
}

// =============================================================================
// Cache Operations
// =============================================================================

func (r *Redis) CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		r.logger.Error("Failed to set cache key", "key", key, "error", err)
		return err
	}
	return nil
}

func (r *Redis) CacheGet(ctx context.Context, key string, dest any) (bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

func (r *Redis) CacheDelete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(ctx, r.keys(keys)...).Result()
}

// =============================================================================
// Counters and Sets
// =============================================================================

func (r *Redis) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return r.client.IncrBy(ctx, r.key(key), delta).Result()
}

func (r *Redis) AddToSet(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	return r.client.SAdd(ctx, r.key(key), toArgs(members)...).Result()
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(key)).Result()
}

// =============================================================================
// Lists and Queues
// =============================================================================

func (r *Redis) ListPush(ctx context.Context, key string, values ...string) (int64, error) {
	if len(values) == 0 {
		return r.ListLength(ctx, key)
	}
	return r.client.RPush(ctx, r.key(key), toArgs(values)...).Result()
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, r.key(key), start, stop).Result()
}

func (r *Redis) ListLength(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, r.key(key)).Result()
}

func (r *Redis) ListRemove(ctx context.Context, key string, value string) (int64, error) {
	return r.client.LRem(ctx, r.key(key), 0, value).Result()
}

func (r *Redis) QueuePush(ctx context.Context, queueKey string, record []byte, front bool) (int64, error) {
	if front {
		return r.client.LPush(ctx, r.key(queueKey), record).Result()
	}
	return r.client.RPush(ctx, r.key(queueKey), record).Result()
}

func (r *Redis) QueuePop(ctx context.Context, queueKey string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		// BLPOP with 0 blocks forever; fall back to a plain pop.
		data, err := r.client.LPop(ctx, r.key(queueKey)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	}

	// BLPOP works in whole seconds; round up so short timeouts still block.
	seconds := (timeout + time.Second - 1) / time.Second
	result, err := r.client.BLPop(ctx, seconds*time.Second, r.key(queueKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(result))
	}
	return []byte(result[1]), nil
}

// =============================================================================
// Delayed Set
// =============================================================================

func (r *Redis) ScheduleAdd(ctx context.Context, key string, member string, at time.Time) error {
	return r.client.ZAdd(ctx, r.key(key), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	}).Err()
}

func (r *Redis) ScheduleDue(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := r.dueScript.Run(ctx, r.client, []string{r.key(key)}, now.UnixMilli(), limit).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return items, err
}

func (r *Redis) ScheduleCount(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.key(key)).Result()
}

// =============================================================================
// PubSub Operations
// =============================================================================

func (r *Redis) Publish(ctx context.Context, channel string, message []byte) (int64, error) {
	n, err := r.client.Publish(ctx, r.key(channel), message).Result()
	if err != nil {
		r.logger.Error("Failed to publish message", "channel", channel, "error", err)
		return 0, err
	}
	return n, nil
}

func (r *Redis) Subscribe(ctx context.Context, handler MessageHandler, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}

	pubsub := r.client.Subscribe(ctx, r.keys(channels)...)
	// Wait for the confirmation so that messages published right after
	// Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	r.logger.Debug("Subscribed to channels", "channels", channels)

	go func() {
		for msg := range pubsub.Channel() {
			handler(strings.TrimPrefix(msg.Channel, r.namespace), []byte(msg.Payload))
		}
		r.logger.Debug("Subscription closed", "channels", channels)
	}()

	return pubsub, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (r *Redis) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	err := r.client.Ping(ctx).Err()
	health := Health{
		Status:         StatusHealthy,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		health.Status = StatusUnhealthy
		health.Error = err.Error()
	}
	return health
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) keys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = r.key(k)
	}
	return out
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
