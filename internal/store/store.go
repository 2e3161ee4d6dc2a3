package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Health is the result of a store round trip.
type Health struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Error          string `json:"error,omitempty"`
}

func (h Health) Healthy() bool {
	return h.Status == StatusHealthy
}

// MessageHandler receives pub/sub messages. It is called from a dedicated
// goroutine per subscription, one message at a time.
type MessageHandler func(channel string, payload []byte)

// Subscription is a cancellable pub/sub registration.
type Subscription interface {
	Close() error
}

// Store is the shared key-value, list, delayed-set and pub/sub contract the
// fan-out router and the job engine are built on. Implementations must be
// safe for concurrent use and must tolerate other processes mutating the
// same keys.
type Store interface {
	// Cache
	CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error
	CacheGet(ctx context.Context, key string, dest any) (bool, error)
	CacheDelete(ctx context.Context, keys ...string) (int64, error)

	// Counters and sets
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	AddToSet(ctx context.Context, key string, members ...string) (int64, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Lists
	ListPush(ctx context.Context, key string, values ...string) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListLength(ctx context.Context, key string) (int64, error)
	ListRemove(ctx context.Context, key string, value string) (int64, error)

	// Queue primitives. QueuePop blocks for at most timeout and returns a nil
	// record with a nil error when nothing arrived.
	QueuePush(ctx context.Context, queueKey string, record []byte, front bool) (int64, error)
	QueuePop(ctx context.Context, queueKey string, timeout time.Duration) ([]byte, error)

	// Delayed set. ScheduleDue removes and returns members whose time has come.
	ScheduleAdd(ctx context.Context, key string, member string, at time.Time) error
	ScheduleDue(ctx context.Context, key string, now time.Time, limit int64) ([]string, error)
	ScheduleCount(ctx context.Context, key string) (int64, error)

	// Pub/sub
	Publish(ctx context.Context, channel string, message []byte) (int64, error)
	Subscribe(ctx context.Context, handler MessageHandler, channels ...string) (Subscription, error)

	HealthCheck(ctx context.Context) Health
	Close() error
}
