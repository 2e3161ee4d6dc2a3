package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(client, RedisOptions{Namespace: "test:"})
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func newMemoryStore(t *testing.T) *Memory {
	t.Helper()
	s := NewMemory()
	t.Cleanup(func() { s.Close() })
	return s
}

// Both implementations must behave the same for everything the core relies on.
func TestStoreContract(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return newMemoryStore(t) },
		"redis": func(t *testing.T) Store {
			s, _ := newMiniredisStore(t)
			return s
		},
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("CacheRoundTrip", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				type snapshot struct {
					Votes int    `json:"votes"`
					Poll  string `json:"poll"`
				}
				require.NoError(t, s.CacheSet(ctx, "snap", snapshot{Votes: 3, Poll: "p1"}, time.Minute))

				var got snapshot
				found, err := s.CacheGet(ctx, "snap", &got)
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, snapshot{Votes: 3, Poll: "p1"}, got)

				removed, err := s.CacheDelete(ctx, "snap", "missing")
				require.NoError(t, err)
				assert.Equal(t, int64(1), removed)

				found, err = s.CacheGet(ctx, "snap", &got)
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("Increment", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				v, err := s.Increment(ctx, "counter", 5)
				require.NoError(t, err)
				assert.Equal(t, int64(5), v)

				v, err = s.Increment(ctx, "counter", -2)
				require.NoError(t, err)
				assert.Equal(t, int64(3), v)

				v, err = s.Increment(ctx, "counter", 0)
				require.NoError(t, err)
				assert.Equal(t, int64(3), v)
			})

			t.Run("Sets", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				added, err := s.AddToSet(ctx, "followers", "u1", "u2", "u1")
				require.NoError(t, err)
				assert.Equal(t, int64(2), added)

				added, err = s.AddToSet(ctx, "followers", "u2", "u3")
				require.NoError(t, err)
				assert.Equal(t, int64(1), added)

				members, err := s.SetMembers(ctx, "followers")
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, members)
			})

			t.Run("Lists", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				n, err := s.ListPush(ctx, "list", "a", "b", "c", "b")
				require.NoError(t, err)
				assert.Equal(t, int64(4), n)

				all, err := s.ListRange(ctx, "list", 0, -1)
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b", "c", "b"}, all)

				tail, err := s.ListRange(ctx, "list", -2, -1)
				require.NoError(t, err)
				assert.Equal(t, []string{"c", "b"}, tail)

				removed, err := s.ListRemove(ctx, "list", "b")
				require.NoError(t, err)
				assert.Equal(t, int64(2), removed)

				length, err := s.ListLength(ctx, "list")
				require.NoError(t, err)
				assert.Equal(t, int64(2), length)

				empty, err := s.ListRange(ctx, "nothing", 0, -1)
				require.NoError(t, err)
				assert.Empty(t, empty)
			})

			t.Run("QueuePriority", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				_, err := s.QueuePush(ctx, "queue:q", []byte("medium"), false)
				require.NoError(t, err)
				_, err = s.QueuePush(ctx, "queue:q", []byte("low"), false)
				require.NoError(t, err)
				_, err = s.QueuePush(ctx, "queue:q", []byte("high"), true)
				require.NoError(t, err)

				var order []string
				for i := 0; i < 3; i++ {
					record, err := s.QueuePop(ctx, "queue:q", time.Second)
					require.NoError(t, err)
					require.NotNil(t, record)
					order = append(order, string(record))
				}
				assert.Equal(t, []string{"high", "medium", "low"}, order)
			})

			t.Run("QueuePopTimesOut", func(t *testing.T) {
				s := factory(t)

				record, err := s.QueuePop(context.Background(), "queue:empty", 10*time.Millisecond)
				assert.NoError(t, err)
				assert.Nil(t, record)
			})

			t.Run("QueuePopWakesOnPush", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				done := make(chan []byte, 1)
				go func() {
					record, _ := s.QueuePop(ctx, "queue:wake", 3*time.Second)
					done <- record
				}()

				time.Sleep(50 * time.Millisecond)
				_, err := s.QueuePush(ctx, "queue:wake", []byte("job"), false)
				require.NoError(t, err)

				select {
				case record := <-done:
					assert.Equal(t, "job", string(record))
				case <-time.After(3 * time.Second):
					t.Fatal("QueuePop did not return after push")
				}
			})

			t.Run("Schedule", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				now := time.Now()

				require.NoError(t, s.ScheduleAdd(ctx, "delayed", "past", now.Add(-time.Second)))
				require.NoError(t, s.ScheduleAdd(ctx, "delayed", "future", now.Add(time.Hour)))

				count, err := s.ScheduleCount(ctx, "delayed")
				require.NoError(t, err)
				assert.Equal(t, int64(2), count)

				due, err := s.ScheduleDue(ctx, "delayed", now, 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"past"}, due)

				due, err = s.ScheduleDue(ctx, "delayed", now, 10)
				require.NoError(t, err)
				assert.Empty(t, due)

				count, err = s.ScheduleCount(ctx, "delayed")
				require.NoError(t, err)
				assert.Equal(t, int64(1), count)
			})

			t.Run("PubSub", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				var mu sync.Mutex
				var received []string
				got := make(chan struct{}, 1)
				sub, err := s.Subscribe(ctx, func(channel string, payload []byte) {
					mu.Lock()
					received = append(received, channel+"="+string(payload))
					mu.Unlock()
					got <- struct{}{}
				}, "events:relay")
				require.NoError(t, err)

				n, err := s.Publish(ctx, "events:relay", []byte("hello"))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				select {
				case <-got:
				case <-time.After(2 * time.Second):
					t.Fatal("message not delivered")
				}
				mu.Lock()
				assert.Equal(t, []string{"events:relay=hello"}, received)
				mu.Unlock()

				require.NoError(t, sub.Close())
			})

			t.Run("HealthCheck", func(t *testing.T) {
				s := factory(t)

				health := s.HealthCheck(context.Background())
				assert.True(t, health.Healthy())
				assert.GreaterOrEqual(t, health.ResponseTimeMs, int64(0))
			})
		})
	}
}

func TestRedisNamespacesKeys(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	_, err := s.ListPush(ctx, "queue:failed", "record")
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:queue:failed"))
	assert.False(t, mr.Exists("queue:failed"))
}

func TestRedisCacheTTL(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheSet(ctx, "snap", "v", 5*time.Second))
	mr.FastForward(6 * time.Second)

	var v string
	found, err := s.CacheGet(ctx, "snap", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisHealthCheckReportsOutage(t *testing.T) {
	s, mr := newMiniredisStore(t)
	mr.Close()

	health := s.HealthCheck(context.Background())
	assert.False(t, health.Healthy())
	assert.NotEmpty(t, health.Error)
}

func TestMemoryCacheTTL(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheSet(ctx, "snap", "v", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	var v string
	found, err := s.CacheGet(ctx, "snap", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryClosedStore(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	_, err := s.QueuePush(context.Background(), "queue:q", []byte("x"), false)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.QueuePop(context.Background(), "queue:q", time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)

	assert.False(t, s.HealthCheck(context.Background()).Healthy())
}

func TestMemoryPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	release := make(chan struct{})
	sub, err := s.Subscribe(ctx, func(string, []byte) { <-release }, "relay")
	require.NoError(t, err)
	defer sub.Close()
	defer close(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_, _ = s.Publish(ctx, "relay", []byte("x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked behind a slow subscriber")
	}
}
