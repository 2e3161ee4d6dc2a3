package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	value      []byte
	expiration int64
}

func (item memoryItem) expired(now time.Time) bool {
	return item.expiration > 0 && now.UnixNano() > item.expiration
}

type scheduled struct {
	member string
	at     int64
}

// Memory is an in-process Store. It gives single-node deployments and tests
// the same semantics as the Redis store without a server.
type Memory struct {
	mu        sync.Mutex
	items     map[string]memoryItem
	sets      map[string]map[string]struct{}
	lists     map[string][][]byte
	schedules map[string][]scheduled
	waiters   map[string]chan struct{}
	subs      map[string]map[*memorySubscription]struct{}
	closed    bool

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

func NewMemory() *Memory {
	m := &Memory{
		items:       make(map[string]memoryItem),
		sets:        make(map[string]map[string]struct{}),
		lists:       make(map[string][][]byte),
		schedules:   make(map[string][]scheduled),
		waiters:     make(map[string]chan struct{}),
		subs:        make(map[string]map[*memorySubscription]struct{}),
		stopCleanup: make(chan struct{}),
	}
	go m.startCleanupTimer(time.Minute)
	return m
}

func (m *Memory) startCleanupTimer(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup removes expired cache items
func (m *Memory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, item := range m.items {
		if item.expired(now) {
			delete(m.items, key)
		}
	}
}

func (m *Memory) CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	m.items[key] = memoryItem{value: data, expiration: exp}
	return nil
}

func (m *Memory) CacheGet(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	item, found := m.items[key]
	if found && item.expired(time.Now()) {
		delete(m.items, key)
		found = false
	}
	m.mu.Unlock()

	if !found {
		return false, nil
	}
	if err := json.Unmarshal(item.value, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

func (m *Memory) CacheDelete(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	var removed int64
	for _, key := range keys {
		if _, ok := m.items[key]; ok {
			delete(m.items, key)
			removed++
			continue
		}
		if _, ok := m.lists[key]; ok {
			delete(m.lists, key)
			removed++
			continue
		}
		if _, ok := m.sets[key]; ok {
			delete(m.sets, key)
			removed++
			continue
		}
		if _, ok := m.schedules[key]; ok {
			delete(m.schedules, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	var current int64
	if item, ok := m.items[key]; ok && !item.expired(time.Now()) {
		n, err := strconv.ParseInt(string(item.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer", key)
		}
		current = n
	}
	current += delta
	m.items[key] = memoryItem{value: []byte(strconv.FormatInt(current, 10))}
	return current, nil
}

func (m *Memory) AddToSet(ctx context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	var added int64
	for _, member := range members {
		if _, exists := set[member]; !exists {
			set[member] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) ListPush(ctx context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	for _, v := range values {
		m.lists[key] = append(m.lists[key], []byte(v))
	}
	m.notifyLocked(key)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	list := m.lists[key]
	n := int64(len(list))
	// Same index rules as LRANGE: negative offsets count from the end and
	// stop is inclusive.
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}

	out := make([]string, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, string(v))
	}
	return out, nil
}

func (m *Memory) ListLength(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.lists[key])), nil
}

func (m *Memory) ListRemove(ctx context.Context, key string, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	list := m.lists[key]
	kept := list[:0]
	var removed int64
	for _, v := range list {
		if string(v) == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = kept
	}
	return removed, nil
}

func (m *Memory) QueuePush(ctx context.Context, queueKey string, record []byte, front bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	buf := make([]byte, len(record))
	copy(buf, record)
	if front {
		m.lists[queueKey] = append([][]byte{buf}, m.lists[queueKey]...)
	} else {
		m.lists[queueKey] = append(m.lists[queueKey], buf)
	}
	m.notifyLocked(queueKey)
	return int64(len(m.lists[queueKey])), nil
}

func (m *Memory) QueuePop(ctx context.Context, queueKey string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if list := m.lists[queueKey]; len(list) > 0 {
			record := list[0]
			if len(list) == 1 {
				delete(m.lists, queueKey)
			} else {
				m.lists[queueKey] = list[1:]
			}
			m.mu.Unlock()
			return record, nil
		}
		if timeout <= 0 {
			m.mu.Unlock()
			return nil, nil
		}
		wait := m.waiterLocked(queueKey)
		m.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) ScheduleAdd(ctx context.Context, key string, member string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	entries := m.schedules[key]
	for i := range entries {
		if entries[i].member == member {
			entries[i].at = at.UnixMilli()
			return nil
		}
	}
	m.schedules[key] = append(entries, scheduled{member: member, at: at.UnixMilli()})
	return nil
}

func (m *Memory) ScheduleDue(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	entries := m.schedules[key]
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at < entries[j].at })

	cutoff := now.UnixMilli()
	var due []string
	rest := entries[:0]
	for _, e := range entries {
		if e.at <= cutoff && int64(len(due)) < limit {
			due = append(due, e.member)
			continue
		}
		rest = append(rest, e)
	}
	if len(rest) == 0 {
		delete(m.schedules, key)
	} else {
		m.schedules[key] = rest
	}
	return due, nil
}

func (m *Memory) ScheduleCount(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.schedules[key])), nil
}

func (m *Memory) Publish(ctx context.Context, channel string, message []byte) (int64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	subs := make([]*memorySubscription, 0, len(m.subs[channel]))
	for sub := range m.subs[channel] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	payload := make([]byte, len(message))
	copy(payload, message)
	for _, sub := range subs {
		sub.deliver(channel, payload)
	}
	return int64(len(subs)), nil
}

func (m *Memory) Subscribe(ctx context.Context, handler MessageHandler, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	sub := &memorySubscription{
		store:    m,
		channels: channels,
		handler:  handler,
		messages: make(chan memoryMessage, 256),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	for _, ch := range channels {
		if m.subs[ch] == nil {
			m.subs[ch] = make(map[*memorySubscription]struct{})
		}
		m.subs[ch][sub] = struct{}{}
	}
	m.mu.Unlock()

	go sub.run()
	return sub, nil
}

func (m *Memory) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	health := Health{Status: StatusHealthy, ResponseTimeMs: time.Since(start).Milliseconds()}
	if closed {
		health.Status = StatusUnhealthy
		health.Error = ErrClosed.Error()
	}
	return health
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for key, ch := range m.waiters {
		close(ch)
		delete(m.waiters, key)
	}
	var subs []*memorySubscription
	for _, set := range m.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.subs = make(map[string]map[*memorySubscription]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	m.cleanupOnce.Do(func() { close(m.stopCleanup) })
	return nil
}

// waiterLocked returns a channel that is closed on the next push to key.
func (m *Memory) waiterLocked(key string) chan struct{} {
	ch, ok := m.waiters[key]
	if !ok {
		ch = make(chan struct{})
		m.waiters[key] = ch
	}
	return ch
}

func (m *Memory) notifyLocked(key string) {
	if ch, ok := m.waiters[key]; ok {
		close(ch)
		delete(m.waiters, key)
	}
}

type memoryMessage struct {
	channel string
	payload []byte
}

type memorySubscription struct {
	store    *Memory
	channels []string
	handler  MessageHandler
	messages chan memoryMessage
	done     chan struct{}
	once     sync.Once
}

// deliver never blocks the publisher; a subscriber whose buffer is full
// loses the message, as with a Redis client that falls behind.
func (s *memorySubscription) deliver(channel string, payload []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.messages <- memoryMessage{channel: channel, payload: payload}:
	default:
		slog.Warn("Dropping pub/sub message for slow subscriber", "channel", channel, "size", len(payload))
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case msg := <-s.messages:
			s.handler(msg.channel, msg.payload)
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	for _, ch := range s.channels {
		if set, ok := s.store.subs[ch]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.store.subs, ch)
			}
		}
	}
	s.store.mu.Unlock()
	s.stop()
	return nil
}
