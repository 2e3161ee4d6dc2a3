package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"notify-service/internal/metrics"
	"notify-service/internal/store"
	"notify-service/internal/websocket"
)

// RelayChannel carries deliveries between instances sharing one store.
const RelayChannel = "events:relay"

type relayEnvelope struct {
	Node    string             `json:"node"`
	Message *websocket.Message `json:"message"`
	Targets []Target           `json:"targets"`
}

// Relay publishes every local delivery on the store's pub/sub channel and
// delivers deliveries published by other nodes to local connections. Remote
// deliveries are never re-published.
type Relay struct {
	store  store.Store
	router *Router
	nodeID string

	mu  sync.Mutex
	sub store.Subscription
	ctx context.Context

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRelay(st store.Store, router *Router, nodeID string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		store:   st,
		router:  router,
		nodeID:  nodeID,
		logger:  logger.With("component", "relay", "node", nodeID),
		metrics: router.metrics,
	}
	router.setRelay(r)
	return r
}

func (r *Relay) NodeID() string {
	return r.nodeID
}

// Start subscribes to the relay channel. Deliveries received before Stop are
// pushed with ctx.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}

	sub, err := r.store.Subscribe(ctx, r.handle, RelayChannel)
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.sub = sub
	r.ctx = ctx
	r.logger.Info("Event relay started", "channel", RelayChannel)
	return nil
}

func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}

func (r *Relay) publish(ctx context.Context, msg *websocket.Message, targets []Target) error {
	data, err := json.Marshal(relayEnvelope{Node: r.nodeID, Message: msg, Targets: targets})
	if err != nil {
		return err
	}
	if _, err := r.store.Publish(ctx, RelayChannel, data); err != nil {
		return err
	}
	r.metrics.Relayed("out")
	return nil
}

func (r *Relay) handle(channel string, payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("Malformed relay message", "error", err)
		return
	}
	if env.Node == r.nodeID || env.Message == nil {
		return
	}

	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	r.metrics.Relayed("in")
	res := r.router.deliver(ctx, env.Message, env.Targets)
	r.logger.Debug("Relayed event delivered", "from", env.Node, "type", env.Message.Type,
		"delivered", res.Delivered, "skipped", res.Skipped, "failed", res.Failed)
}
