package mixd

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, graph *fakeGraph, store *memoryOverrideStore) (*commandHandler, *StateCache) {
	t.Helper()

	cache := newTestCache(t)
	router := NewRouter(zapNop(), store, testRoutingConfig())
	handler := newCommandHandler(zapNop(), cache, router, newTimedGraph(graph, time.Second))

	return handler, cache
}

func TestRouteApplicationMovesAllStreams(t *testing.T) {
	graph := newFakeGraph()
	store := &memoryOverrideStore{}
	handler, cache := newTestHandler(t, graph, store)

	now := time.Now()
	_, err := cache.UpsertApp("spotify", "Spotify", 10, "Media", now)
	require.NoError(t, err)
	_, err = cache.UpsertApp("spotify", "Spotify", 11, "Media", now)
	require.NoError(t, err)

	require.NoError(t, handler.RouteApplication("spotify", "Chat"))

	require.Equal(t, "Chat", cache.Snapshot().Apps["spotify"].CurrentSink)
	for _, nodeID := range []uint32{10, 11} {
		sink, ok := graph.movedTo(nodeID)
		require.True(t, ok, "node %d was never moved", nodeID)
		require.Equal(t, "Chat", sink)
	}
}

func TestRouteApplicationPersistsOverride(t *testing.T) {
	graph := newFakeGraph()
	store := &memoryOverrideStore{}
	handler, cache := newTestHandler(t, graph, store)

	_, err := cache.UpsertApp("spotify", "Spotify", 10, "Media", time.Now())
	require.NoError(t, err)

	require.NoError(t, handler.RouteApplication("spotify", "Chat"))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.calls, "the decision must be persisted with the routing call itself")
	require.Equal(t, "Chat", store.saved["spotify"])
}

func TestRouteApplicationUnknownApp(t *testing.T) {
	graph := newFakeGraph()
	handler, cache := newTestHandler(t, graph, &memoryOverrideStore{})
	before := cache.Generation()

	err := handler.RouteApplication("ghost", "Chat")
	require.ErrorIs(t, err, ErrUnknownApp)
	require.Equal(t, before, cache.Generation())
}

func TestRouteApplicationSurvivesPersistFailure(t *testing.T) {
	graph := newFakeGraph()
	store := &memoryOverrideStore{err: errors.New("disk full")}
	handler, cache := newTestHandler(t, graph, store)

	_, err := cache.UpsertApp("spotify", "Spotify", 10, "Media", time.Now())
	require.NoError(t, err)

	// a failed persist is logged but never fails the routing operation
	require.NoError(t, handler.RouteApplication("spotify", "Chat"))
	require.Equal(t, "Chat", cache.Snapshot().Apps["spotify"].CurrentSink)

	sink, ok := graph.movedTo(10)
	require.True(t, ok)
	require.Equal(t, "Chat", sink)
}

func TestSetSinkVolumeCacheFirstGraphSecond(t *testing.T) {
	graph := newFakeGraph()
	graph.err = errors.New("connection reset")
	handler, cache := newTestHandler(t, graph, &memoryOverrideStore{})

	err := handler.SetSinkVolume("Game", 0.4)
	require.Error(t, err)

	// the optimistic cache update stands; graph events reconcile it later
	require.Equal(t, float32(0.4), cache.Snapshot().Sinks["Game"].Volume)
}

func TestGraphCommandTimeout(t *testing.T) {
	graph := newFakeGraph()
	graph.delay = 200 * time.Millisecond

	cache := newTestCache(t)
	router := NewRouter(zapNop(), &memoryOverrideStore{}, testRoutingConfig())
	handler := newCommandHandler(zapNop(), cache, router, newTimedGraph(graph, 20*time.Millisecond))

	start := time.Now()
	err := handler.SetSinkMute("Game", true)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrGraphTimeout)
	require.Less(t, elapsed, 150*time.Millisecond, "the caller must not wait out the slow graph")
}

func TestRefreshState(t *testing.T) {
	graph := newFakeGraph()
	handler, _ := newTestHandler(t, graph, &memoryOverrideStore{})

	require.NoError(t, handler.RefreshState())

	graph.mu.Lock()
	defer graph.mu.Unlock()
	require.Equal(t, 1, graph.resyncs)
}
