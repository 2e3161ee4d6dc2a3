package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"notify-service/internal/metrics"
	"notify-service/internal/store"
	"notify-service/internal/websocket"

	"github.com/google/uuid"
)

const defaultSnapshotTTL = 5 * time.Minute

// Transport pushes frames to the connections of this instance.
type Transport interface {
	PushToConnection(ctx context.Context, connectionID string, msg *websocket.Message) error
	PushToRoom(ctx context.Context, room string, msg *websocket.Message) (int, error)
	PushToAll(ctx context.Context, msg *websocket.Message) (int, error)
}

// Presence answers reachability questions about local connections.
type Presence interface {
	IsReachable(userID string) bool
	ConnectionsOf(userID string) []string
}

type SocialGraph interface {
	GetFollowerIDs(ctx context.Context, userID string) ([]string, error)
}

type RouterOptions struct {
	// Store backs snapshots. Snapshots are disabled when nil.
	Store       store.Store
	Graph       SocialGraph
	SnapshotTTL time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Router maps domain events to targets and pushes them to every reachable
// connection. Each target is delivered independently; one failing push never
// affects the others or the caller.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	transport Transport
	presence  Presence
	graph     SocialGraph
	store     store.Store
	ttl       time.Duration
	relay     *Relay

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRouter(transport Transport, presence Presence, opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = defaultSnapshotTTL
	}
	return &Router{
		handlers:  make(map[string]Handler),
		transport: transport,
		presence:  presence,
		graph:     opts.Graph,
		store:     opts.Store,
		ttl:       opts.SnapshotTTL,
		logger:    opts.Logger.With("component", "router"),
		metrics:   opts.Metrics,
	}
}

// Register installs handler for eventType, replacing any previous one.
func (r *Router) Register(eventType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = handler
}

// Handlers lists the registered event types.
func (r *Router) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Router) handler(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

func (r *Router) setRelay(relay *Relay) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

func (r *Router) currentRelay() *Relay {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relay
}

// Emit routes one event. An event type without a handler is dropped and
// reported, not treated as an error. The returned error is only set when the
// handler itself fails.
func (r *Router) Emit(ctx context.Context, eventType string, payload map[string]any) (Report, error) {
	ev := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if ev.Payload == nil {
		ev.Payload = make(map[string]any)
	}
	report := Report{EventID: ev.ID, Type: eventType}

	h, ok := r.handler(eventType)
	if !ok {
		r.logger.Warn("No handler for event type, dropping", "type", eventType, "eventID", ev.ID)
		r.metrics.EventDropped(eventType)
		report.Dropped = true
		return report, nil
	}
	r.metrics.EventEmitted(eventType)

	delivery, err := r.resolve(ctx, h, ev)
	if err != nil {
		r.logger.Error("Event handler failed", "type", eventType, "eventID", ev.ID, "error", err)
		return report, fmt.Errorf("resolve %s: %w", eventType, err)
	}

	targets, failed := r.expand(ctx, delivery.Targets)
	report.Targets = len(targets)
	report.Failed += failed

	msg := &websocket.Message{
		ID:        ev.ID,
		Type:      websocket.MessageType(eventType),
		Data:      ev.Payload,
		Timestamp: ev.Timestamp.UnixMilli(),
	}

	local := r.deliver(ctx, msg, targets)
	report.Delivered = local.Delivered
	report.Skipped = local.Skipped
	report.Failed += local.Failed

	if relay := r.currentRelay(); relay != nil && len(targets) > 0 {
		if err := relay.publish(ctx, msg, targets); err != nil {
			r.logger.Error("Failed to relay event", "type", eventType, "eventID", ev.ID, "error", err)
		} else {
			report.Relayed = true
		}
	}

	if delivery.SnapshotKey != "" {
		r.saveSnapshot(ctx, delivery.SnapshotKey, eventType, ev.Payload)
	}

	r.logger.Debug("Event routed", "type", eventType, "eventID", ev.ID,
		"targets", report.Targets, "delivered", report.Delivered,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

func (r *Router) resolve(ctx context.Context, h Handler, ev Event) (d Delivery, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Resolve(ctx, ev)
}

// expand turns follower targets into user targets and drops duplicates.
func (r *Router) expand(ctx context.Context, targets []Target) ([]Target, int) {
	seen := make(map[Target]bool, len(targets))
	out := make([]Target, 0, len(targets))
	failed := 0

	add := func(t Target) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	for _, t := range targets {
		if t.Kind != TargetFollowers {
			add(t)
			continue
		}
		if r.graph == nil {
			r.logger.Warn("Follower target without a social graph", "userID", t.ID)
			failed++
			continue
		}
		ids, err := r.graph.GetFollowerIDs(ctx, t.ID)
		if err != nil {
			r.logger.Error("Failed to resolve followers", "userID", t.ID, "error", err)
			failed++
			continue
		}
		for _, id := range ids {
			add(User(id))
		}
	}
	return out, failed
}

type deliveryResult struct {
	Delivered int
	Skipped   int
	Failed    int
}

// deliver pushes msg to every target on this instance only.
func (r *Router) deliver(ctx context.Context, msg *websocket.Message, targets []Target) deliveryResult {
	var res deliveryResult
	for _, t := range targets {
		switch t.Kind {
		case TargetUser:
			if !r.presence.IsReachable(t.ID) {
				res.Skipped++
				continue
			}
			for _, connID := range r.presence.ConnectionsOf(t.ID) {
				r.attempt(t, &res, func() (int, error) {
					return 1, r.transport.PushToConnection(ctx, connID, msg)
				})
			}
		case TargetRoom:
			r.attempt(t, &res, func() (int, error) {
				return r.transport.PushToRoom(ctx, t.ID, msg)
			})
		case TargetEveryone:
			r.attempt(t, &res, func() (int, error) {
				return r.transport.PushToAll(ctx, msg)
			})
		default:
			r.logger.Warn("Unknown target kind", "target", t.String())
			res.Failed++
		}
	}
	return res
}

// attempt runs one push, containing errors and panics.
func (r *Router) attempt(t Target, res *deliveryResult, push func() (int, error)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Delivery panicked", "target", t.String(), "panic", rec)
			r.metrics.Delivery(string(t.Kind), false)
			res.Failed++
		}
	}()

	n, err := push()
	res.Delivered += n
	if err != nil {
		r.logger.Warn("Delivery failed", "target", t.String(), "error", err)
		r.metrics.Delivery(string(t.Kind), false)
		res.Failed++
		return
	}
	r.metrics.Delivery(string(t.Kind), true)
}

// =============================================================================
// Snapshots
// =============================================================================

func snapshotKey(key, eventType string) string {
	return fmt.Sprintf("snapshot:%s:%s", key, eventType)
}

func (r *Router) saveSnapshot(ctx context.Context, key, eventType string, payload map[string]any) {
	if r.store == nil {
		return
	}
	if err := r.store.CacheSet(ctx, snapshotKey(key, eventType), payload, r.ttl); err != nil {
		r.logger.Error("Failed to cache snapshot", "key", key, "type", eventType, "error", err)
	}
}

// Snapshot returns the last payload cached for key and eventType.
func (r *Router) Snapshot(ctx context.Context, key, eventType string) (map[string]any, bool, error) {
	if r.store == nil {
		return nil, false, nil
	}
	var payload map[string]any
	found, err := r.store.CacheGet(ctx, snapshotKey(key, eventType), &payload)
	if err != nil || !found {
		return nil, false, err
	}
	return payload, true, nil
}
