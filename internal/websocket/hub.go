package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"notify-service/internal/metrics"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

type ClientMessage struct {
	Client  *Client
	Message *Message
}

type HubOptions struct {
	// JWTSecret enables HS256 token authentication. When empty the user id
	// sent by the client is trusted.
	JWTSecret         string
	MessagesPerSecond float64
	Burst             int
	SendBufferSize    int
	AllowedOrigins    []string
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Hub owns the live connections of this instance and pushes frames to them.
// Presence and room membership live in the Registry.
type Hub struct {
	registry *Registry
	upgrader websocket.Upgrader
	opts     HubOptions

	// Registered clients by connection id
	clients map[string]*Client
	mu      sync.RWMutex

	// Handle messages from clients
	handleMessage chan *ClientMessage

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHub(registry *Registry, opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:      registry,
		upgrader:      NewUpgrader(opts.AllowedOrigins),
		opts:          opts,
		clients:       make(map[string]*Client),
		handleMessage: make(chan *ClientMessage, 64),
		ctx:           ctx,
		cancel:        cancel,
		logger:        opts.Logger.With("component", "hub"),
		metrics:       opts.Metrics,
	}
	registry.OnOffline(h.notifyOffline)
	return h
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run processes inbound client messages until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case clientMsg := <-h.handleMessage:
			h.handleClientMessage(clientMsg)

		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub shutting down")
			return
		}
	}
}

// Stop closes every client and waits briefly for their pumps to exit.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
	for _, c := range clients {
		c.waitForGoroutines(2 * time.Second)
	}
}

// ServeWS upgrades the request and starts the client pumps. Credentials may
// be passed up front as the "token" or "userId" query parameters.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	client := h.Attach(conn)

	query := r.URL.Query()
	if token, userID := query.Get("token"), query.Get("userId"); token != "" || userID != "" {
		h.authenticate(client, map[string]any{"token": token, "user_id": userID})
	}

	client.start()
	h.logger.Info("New WebSocket connection established", "connectionID", client.id)
}

// Attach registers an already upgraded connection without starting its
// pumps.
func (h *Hub) Attach(conn Conn) *Client {
	id := h.registry.OnConnect()
	client := newClient(id, h, conn)

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	client.SendMessage(NewConnectMessage(id, ""))
	h.updatePresenceMetrics()
	return client
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	result := h.registry.OnDisconnect(c.id)
	h.logger.Info("Client unregistered", "connectionID", c.id, "userID", result.UserID,
		"lastConnection", result.LastConnection)
	h.updatePresenceMetrics()
}

func (h *Hub) notifyOffline(userID string, rooms []string) {
	for _, room := range rooms {
		if _, err := h.PushToRoom(h.ctx, room, NewOfflineMessage(userID, room)); err != nil {
			h.logger.Debug("Offline notice partially failed", "room", room, "error", err)
		}
	}
}

func (h *Hub) updatePresenceMetrics() {
	if h.metrics == nil {
		return
	}
	stats := h.registry.Stats()
	h.metrics.SetPresence(stats.Connections, stats.Users, stats.Rooms)
}

// =============================================================================
// Inbound Messages
// =============================================================================

func (h *Hub) handleClientMessage(cm *ClientMessage) {
	c, msg := cm.Client, cm.Message

	switch msg.Type {
	case MessageTypeAuthenticate:
		h.authenticate(c, msg.Data)

	case MessageTypeJoinRoom:
		h.joinRoom(c, msg.StringField("room"))

	case MessageTypeLeaveRoom:
		h.leaveRoom(c, msg.StringField("room"))

	case MessageTypePing:
		c.SendMessage(NewMessage(MessageTypePong, c.UserID(), nil))

	default:
		c.sendError(ErrCodeUnknownType, fmt.Sprintf("Unsupported message type: %s", msg.Type))
	}
}

func (h *Hub) authenticate(c *Client, data map[string]any) {
	userID, err := h.resolveUser(data)
	if err != nil {
		h.logger.Warn("Authentication rejected", "connectionID", c.id, "error", err)
		c.sendError(ErrCodeInvalidToken, err.Error())
		return
	}

	if err := h.registry.Authenticate(c.id, userID); err != nil {
		c.sendError(ErrCodeConnectionClosed, "Connection is no longer registered")
		return
	}
	c.setUserID(userID)
	c.SendMessage(NewAuthenticatedMessage(c.id, userID))
	h.updatePresenceMetrics()
}

func (h *Hub) resolveUser(data map[string]any) (string, error) {
	token, _ := data["token"].(string)
	if h.opts.JWTSecret != "" {
		if token == "" {
			return "", errors.New("token is required")
		}
		return ParseUserToken(token, h.opts.JWTSecret)
	}

	userID, _ := data["user_id"].(string)
	if userID == "" {
		return "", errors.New("user_id is required")
	}
	return userID, nil
}

func (h *Hub) joinRoom(c *Client, room string) {
	userID := c.UserID()
	if userID == "" {
		c.sendError(ErrCodeUnauthenticated, "Authenticate before joining rooms")
		return
	}
	if room == "" {
		c.sendError(ErrCodeInvalidRoom, "room is required")
		return
	}
	if err := h.registry.JoinRoom(userID, room); err != nil {
		c.sendError(ErrCodeUnauthenticated, err.Error())
		return
	}
	c.SendMessage(NewRoomMessage(MessageTypeRoomJoined, userID, room, h.registry.RoomSize(room)))
	h.updatePresenceMetrics()
}

func (h *Hub) leaveRoom(c *Client, room string) {
	userID := c.UserID()
	if userID == "" {
		c.sendError(ErrCodeUnauthenticated, "Authenticate before leaving rooms")
		return
	}
	if room == "" {
		c.sendError(ErrCodeInvalidRoom, "room is required")
		return
	}
	h.registry.LeaveRoom(userID, room)
	c.SendMessage(NewRoomMessage(MessageTypeRoomLeft, userID, room, h.registry.RoomSize(room)))
	h.updatePresenceMetrics()
}

// ParseUserToken validates an HS256 token and returns its user id, taken
// from the "sub" claim or, failing that, "user_id".
func ParseUserToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	switch v := claims["user_id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", v), nil
	}
	return "", errors.New("token has no user id claim")
}

// =============================================================================
// Outbound Delivery
// =============================================================================

func (h *Hub) client(connectionID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connectionID]
	return c, ok
}

// PushToConnection queues msg on one connection.
func (h *Hub) PushToConnection(ctx context.Context, connectionID string, msg *Message) error {
	c, ok := h.client(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	return c.SendMessage(msg)
}

// PushToRoom queues msg on every connection of every member of room and
// returns how many connections accepted it. Failures on individual
// connections do not stop the rest and are returned joined.
func (h *Hub) PushToRoom(ctx context.Context, room string, msg *Message) (int, error) {
	var targets []*Client
	for _, userID := range h.registry.RoomMembers(room) {
		for _, connID := range h.registry.ConnectionsOf(userID) {
			if c, ok := h.client(connID); ok {
				targets = append(targets, c)
			}
		}
	}
	return h.pushAll(targets, msg)
}

// PushToAll queues msg on every connection of this instance.
func (h *Hub) PushToAll(ctx context.Context, msg *Message) (int, error) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.pushAll(targets, msg)
}

func (h *Hub) pushAll(targets []*Client, msg *Message) (int, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var errs []error
	for _, c := range targets {
		if err := c.sendRaw(data); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.id, err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}
