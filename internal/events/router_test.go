package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"notify-service/internal/store"
	"notify-service/internal/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type push struct {
	Kind string
	To   string
	Type websocket.MessageType
}

// recordingTransport records every push. Pushes to targets listed in fail
// return an error; pushes to targets listed in panics panic.
type recordingTransport struct {
	mu     sync.Mutex
	pushes []push
	fail   map[string]bool
	panics map[string]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{fail: map[string]bool{}, panics: map[string]bool{}}
}

func (t *recordingTransport) record(kind, to string, msg *websocket.Message) error {
	t.mu.Lock()
	t.pushes = append(t.pushes, push{Kind: kind, To: to, Type: msg.Type})
	fail, panics := t.fail[to], t.panics[to]
	t.mu.Unlock()

	if panics {
		panic("transport exploded")
	}
	if fail {
		return errors.New("socket write failed")
	}
	return nil
}

func (t *recordingTransport) PushToConnection(ctx context.Context, connectionID string, msg *websocket.Message) error {
	return t.record("connection", connectionID, msg)
}

func (t *recordingTransport) PushToRoom(ctx context.Context, room string, msg *websocket.Message) (int, error) {
	if err := t.record("room", room, msg); err != nil {
		return 0, err
	}
	return 1, nil
}

func (t *recordingTransport) PushToAll(ctx context.Context, msg *websocket.Message) (int, error) {
	if err := t.record("all", "", msg); err != nil {
		return 0, err
	}
	return 1, nil
}

func (t *recordingTransport) calls(kind string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, p := range t.pushes {
		if p.Kind == kind {
			out = append(out, p.To)
		}
	}
	sort.Strings(out)
	return out
}

func (t *recordingTransport) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pushes)
}

type fakeGraph struct {
	followers map[string][]string
	err       error
}

func (g *fakeGraph) GetFollowerIDs(ctx context.Context, userID string) ([]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.followers[userID], nil
}

type fixture struct {
	router    *Router
	registry  *websocket.Registry
	transport *recordingTransport
	store     *store.Memory
}

func newFixture(t *testing.T, graph SocialGraph) *fixture {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	registry := websocket.NewRegistry(nil)
	transport := newRecordingTransport()
	router := NewRouter(transport, registry, RouterOptions{Store: st, Graph: graph})
	RegisterDefaults(router)
	return &fixture{router: router, registry: registry, transport: transport, store: st}
}

func (f *fixture) connect(t *testing.T, userID string) string {
	t.Helper()
	id := f.registry.OnConnect()
	require.NoError(t, f.registry.Authenticate(id, userID))
	return id
}

func TestEmitDropsUnknownType(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.router.Emit(context.Background(), "user:teleported", map[string]any{"userId": "u1"})
	require.NoError(t, err)
	assert.True(t, report.Dropped)
	assert.Equal(t, 0, f.transport.total())
}

func TestEmitPostCreated(t *testing.T) {
	graph := &fakeGraph{followers: map[string][]string{"a1": {"f1", "f2"}}}
	f := newFixture(t, graph)
	c1 := f.connect(t, "f1")
	c2 := f.connect(t, "f1")

	report, err := f.router.Emit(context.Background(), TypePostCreated, map[string]any{
		"post":   map[string]any{"id": "p1", "categoryId": "5"},
		"author": map[string]any{"id": "a1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"category:5", "user:a1"}, f.transport.calls("room"))
	expected := []string{c1, c2}
	sort.Strings(expected)
	assert.Equal(t, expected, f.transport.calls("connection"))

	// f2 follows the author but has no connection.
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 4, report.Targets)
	assert.Equal(t, 4, report.Delivered)
	assert.Equal(t, 0, report.Failed)
}

func TestEmitIsolatesFailures(t *testing.T) {
	f := newFixture(t, nil)
	connID := f.connect(t, "u1")
	f.transport.fail["category:1"] = true
	f.transport.panics["post:9"] = true

	f.router.Register("test:fanout", HandlerFunc(func(ctx context.Context, ev Event) (Delivery, error) {
		return Delivery{Targets: []Target{Room("category:1"), Room("post:9"), User("u1"), Everyone()}}, nil
	}))

	var report Report
	var err error
	require.NotPanics(t, func() {
		report, err = f.router.Emit(context.Background(), "test:fanout", nil)
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []string{connID}, f.transport.calls("connection"))
	assert.Len(t, f.transport.calls("all"), 1)
}

func TestEmitCollapsesDuplicateTargets(t *testing.T) {
	graph := &fakeGraph{followers: map[string][]string{"a1": {"u1"}}}
	f := newFixture(t, graph)
	f.connect(t, "u1")

	f.router.Register("test:dupes", HandlerFunc(func(ctx context.Context, ev Event) (Delivery, error) {
		return Delivery{Targets: []Target{Room("r"), Room("r"), User("u1"), Followers("a1")}}, nil
	}))

	report, err := f.router.Emit(context.Background(), "test:dupes", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Targets)
	assert.Equal(t, []string{"r"}, f.transport.calls("room"))
	assert.Len(t, f.transport.calls("connection"), 1)
}

func TestEmitHandlerErrors(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("Error", func(t *testing.T) {
		_, err := f.router.Emit(context.Background(), TypeKarmaEarned, map[string]any{})
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.Equal(t, 0, f.transport.total())
	})

	t.Run("Panic", func(t *testing.T) {
		f.router.Register("test:panic", HandlerFunc(func(ctx context.Context, ev Event) (Delivery, error) {
			panic("bad handler")
		}))
		_, err := f.router.Emit(context.Background(), "test:panic", nil)
		assert.Error(t, err)
	})
}

func TestEmitFollowerLookupFailure(t *testing.T) {
	f := newFixture(t, &fakeGraph{err: errors.New("graph down")})

	report, err := f.router.Emit(context.Background(), TypePostCreated, map[string]any{
		"post":   map[string]any{"categoryId": "5"},
		"author": map[string]any{"id": "a1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"category:5", "user:a1"}, f.transport.calls("room"))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.router.Emit(ctx, TypePollVoted, map[string]any{"pollId": "7", "results": map[string]any{"yes": 3.0}})
	require.NoError(t, err)

	payload, found, err := f.router.Snapshot(ctx, "poll:7", TypePollVoted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"yes": 3.0}, payload["results"])

	_, found, err = f.router.Snapshot(ctx, "poll:8", TypePollVoted)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandlersList(t *testing.T) {
	f := newFixture(t, nil)
	types := f.router.Handlers()
	assert.Len(t, types, len(DefaultHandlers()))
	assert.Contains(t, types, TypeAnnouncement)
	assert.True(t, sort.StringsAreSorted(types))
}

func TestRelayDeliversAcrossInstances(t *testing.T) {
	shared := store.NewMemory()
	t.Cleanup(func() { shared.Close() })
	ctx := context.Background()

	newNode := func(nodeID string) (*Router, *websocket.Registry, *recordingTransport) {
		registry := websocket.NewRegistry(nil)
		transport := newRecordingTransport()
		router := NewRouter(transport, registry, RouterOptions{Store: shared})
		RegisterDefaults(router)
		relay := NewRelay(shared, router, nodeID, nil)
		require.NoError(t, relay.Start(ctx))
		t.Cleanup(func() { relay.Stop() })
		return router, registry, transport
	}

	routerA, _, transportA := newNode("node-a")
	_, registryB, transportB := newNode("node-b")

	connID := registryB.OnConnect()
	require.NoError(t, registryB.Authenticate(connID, "u1"))

	report, err := routerA.Emit(ctx, TypeKarmaEarned, map[string]any{"userId": "u1", "amount": 10.0})
	require.NoError(t, err)
	assert.True(t, report.Relayed)
	assert.Equal(t, 1, report.Skipped, "u1 is not connected to node-a")

	assert.Eventually(t, func() bool {
		return len(transportB.calls("connection")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{connID}, transportB.calls("connection"))

	// Room and broadcast targets are pushed on every node.
	_, err = routerA.Emit(ctx, TypeAnnouncement, map[string]any{"text": "maintenance"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(transportB.calls("all")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Node A never receives its own deliveries back.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, transportA.calls("all"), 1)
	assert.Empty(t, transportA.calls("connection"))
}

func TestStoreGraph(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	graph := NewStoreGraph(st)
	ctx := context.Background()

	require.NoError(t, graph.Follow(ctx, "f1", "a1"))
	require.NoError(t, graph.Follow(ctx, "f2", "a1"))
	require.NoError(t, graph.Follow(ctx, "f1", "a1"))

	ids, err := graph.GetFollowerIDs(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)
}
