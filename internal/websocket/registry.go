package websocket

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUserNotConnected   = errors.New("user has no live connection")
)

// OfflineFunc is called after a user's last connection is gone, with the
// rooms the user was removed from.
type OfflineFunc func(userID string, rooms []string)

type DisconnectResult struct {
	ConnectionID   string   `json:"connectionId"`
	UserID         string   `json:"userId,omitempty"`
	LastConnection bool     `json:"lastConnection"`
	Rooms          []string `json:"rooms,omitempty"`
}

type RegistryStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

type connectionEntry struct {
	userID      string
	connectedAt time.Time
}

// Registry tracks live connections, which user each belongs to and which
// rooms each user has joined.
//
// All state sits behind one RWMutex. Every mutation and every multi-step read
// (such as removing a user from all of its rooms) runs under the write lock,
// so userRooms and roomMembers are always mirror images of each other.
type Registry struct {
	mu sync.RWMutex

	connections     map[string]*connectionEntry
	userConnections map[string]mapset.Set[string]
	userRooms       map[string]mapset.Set[string]
	roomMembers     map[string]mapset.Set[string]

	offline []OfflineFunc
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections:     make(map[string]*connectionEntry),
		userConnections: make(map[string]mapset.Set[string]),
		userRooms:       make(map[string]mapset.Set[string]),
		roomMembers:     make(map[string]mapset.Set[string]),
		logger:          logger.With("component", "registry"),
	}
}

// OnOffline registers a callback. Callbacks run outside the registry lock.
func (r *Registry) OnOffline(fn OfflineFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = append(r.offline, fn)
}

// OnConnect records a new, not yet authenticated connection.
func (r *Registry) OnConnect() string {
	id := uuid.New().String()

	r.mu.Lock()
	r.connections[id] = &connectionEntry{connectedAt: time.Now()}
	r.mu.Unlock()

	r.logger.Debug("Connection registered", "connectionID", id)
	return id
}

// Authenticate binds a connection to a user. A connection that is already
// bound to another user is moved.
func (r *Registry) Authenticate(connectionID, userID string) error {
	r.mu.Lock()
	entry, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Authenticate for unknown connection", "connectionID", connectionID, "userID", userID)
		return ErrConnectionNotFound
	}
	if entry.userID == userID {
		r.mu.Unlock()
		return nil
	}

	var previous string
	var leftRooms []string
	if entry.userID != "" {
		previous = entry.userID
		leftRooms = r.detachLocked(previous, connectionID)
	}

	entry.userID = userID
	conns, ok := r.userConnections[userID]
	if !ok {
		conns = mapset.NewThreadUnsafeSet[string]()
		r.userConnections[userID] = conns
	}
	conns.Add(connectionID)
	callbacks := r.offline
	r.mu.Unlock()

	r.logger.Debug("Connection authenticated", "connectionID", connectionID, "userID", userID)
	if leftRooms != nil {
		r.fireOffline(callbacks, previous, leftRooms)
	}
	return nil
}

// JoinRoom adds userID to room. Joining twice is a no-op. Only users with at
// least one live connection can join.
func (r *Registry) JoinRoom(userID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conns, ok := r.userConnections[userID]; !ok || conns.Cardinality() == 0 {
		return ErrUserNotConnected
	}

	rooms, ok := r.userRooms[userID]
	if !ok {
		rooms = mapset.NewThreadUnsafeSet[string]()
		r.userRooms[userID] = rooms
	}
	members, ok := r.roomMembers[room]
	if !ok {
		members = mapset.NewThreadUnsafeSet[string]()
		r.roomMembers[room] = members
	}
	rooms.Add(room)
	members.Add(userID)
	return nil
}

// LeaveRoom removes userID from room; it is a no-op when the user is not a
// member.
func (r *Registry) LeaveRoom(userID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(userID, room)
}

// OnDisconnect forgets a connection. When it was the user's last one the
// user leaves every room and the offline callbacks fire.
func (r *Registry) OnDisconnect(connectionID string) DisconnectResult {
	result := DisconnectResult{ConnectionID: connectionID}

	r.mu.Lock()
	entry, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return result
	}
	delete(r.connections, connectionID)

	result.UserID = entry.userID
	var rooms []string
	if entry.userID != "" {
		rooms = r.detachLocked(entry.userID, connectionID)
	}
	callbacks := r.offline
	r.mu.Unlock()

	if rooms != nil {
		result.LastConnection = true
		result.Rooms = rooms
		r.logger.Info("User went offline", "userID", entry.userID, "rooms", len(rooms))
		r.fireOffline(callbacks, entry.userID, rooms)
	}
	return result
}

// detachLocked removes connectionID from userID. If that was the last
// connection it clears the user's rooms and returns them (non-nil, possibly
// empty). Otherwise it returns nil.
func (r *Registry) detachLocked(userID, connectionID string) []string {
	conns, ok := r.userConnections[userID]
	if !ok {
		return nil
	}
	conns.Remove(connectionID)
	if conns.Cardinality() > 0 {
		return nil
	}
	delete(r.userConnections, userID)

	left := []string{}
	if rooms, ok := r.userRooms[userID]; ok {
		left = rooms.ToSlice()
		for _, room := range left {
			r.leaveLocked(userID, room)
		}
	}
	sort.Strings(left)
	return left
}

func (r *Registry) leaveLocked(userID, room string) {
	if rooms, ok := r.userRooms[userID]; ok {
		rooms.Remove(room)
		if rooms.Cardinality() == 0 {
			delete(r.userRooms, userID)
		}
	}
	if members, ok := r.roomMembers[room]; ok {
		members.Remove(userID)
		if members.Cardinality() == 0 {
			delete(r.roomMembers, room)
		}
	}
}

func (r *Registry) fireOffline(callbacks []OfflineFunc, userID string, rooms []string) {
	for _, fn := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Offline callback panicked", "userID", userID, "panic", rec)
				}
			}()
			fn(userID, rooms)
		}()
	}
}

// =============================================================================
// Queries
// =============================================================================

func (r *Registry) IsReachable(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns, ok := r.userConnections[userID]
	return ok && conns.Cardinality() > 0
}

func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if members, ok := r.roomMembers[room]; ok {
		return members.Cardinality()
	}
	return 0
}

func (r *Registry) RoomsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedMembers(r.userRooms[userID])
}

func (r *Registry) RoomMembers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedMembers(r.roomMembers[room])
}

func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedMembers(r.userConnections[userID])
}

// UserOf returns the user a connection is authenticated as.
func (r *Registry) UserOf(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.connections[connectionID]
	if !ok || entry.userID == "" {
		return "", false
	}
	return entry.userID, true
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Connections: len(r.connections),
		Users:       len(r.userConnections),
		Rooms:       len(r.roomMembers),
	}
}

func sortedMembers(set mapset.Set[string]) []string {
	if set == nil {
		return []string{}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
