package mixd

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSinks() []Sink {
	return []Sink{
		{Name: "Game", Volume: 1.0},
		{Name: "Chat", Volume: 1.0},
		{Name: "Media", Volume: 1.0},
	}
}

func newTestCache(t *testing.T) *StateCache {
	t.Helper()

	cache, err := NewStateCache(zap.NewNop().Sugar(), testSinks())
	require.NoError(t, err)

	return cache
}

func TestGenerationStrictlyIncreasing(t *testing.T) {
	cache := newTestCache(t)
	now := time.Now()

	var generations []uint64
	generations = append(generations, cache.Generation())

	_, err := cache.UpsertApp("firefox", "Firefox", 10, "Media", now)
	require.NoError(t, err)
	generations = append(generations, cache.Generation())

	require.NoError(t, cache.SetVolume("Game", 0.4))
	generations = append(generations, cache.Generation())

	require.NoError(t, cache.SetMuted("Chat", true))
	generations = append(generations, cache.Generation())

	require.NoError(t, cache.SetCurrentSink("firefox", "Chat"))
	generations = append(generations, cache.Generation())

	_, _, err = cache.MarkNodeRemoved(10, now)
	require.NoError(t, err)
	generations = append(generations, cache.Generation())

	for i := 1; i < len(generations); i++ {
		require.Equal(t, generations[i-1]+1, generations[i],
			"each mutation must bump the generation exactly once")
	}
}

func TestSetVolumeValidation(t *testing.T) {
	cache := newTestCache(t)

	require.NoError(t, cache.SetVolume("Game", 0.5))
	require.Equal(t, float32(0.5), cache.Snapshot().Sinks["Game"].Volume)

	before := cache.Generation()

	for _, bad := range []float32{1.5, -0.2} {
		t.Run(fmt.Sprintf("volume %v", bad), func(t *testing.T) {
			err := cache.SetVolume("Game", bad)
			require.ErrorIs(t, err, ErrVolumeRange)
			require.Equal(t, float32(0.5), cache.Snapshot().Sinks["Game"].Volume,
				"rejected volume must never be clamped into the cache")
			require.Equal(t, before, cache.Generation(),
				"failed mutation must not bump the generation")
		})
	}
}

func TestUnknownEntitiesRejected(t *testing.T) {
	cache := newTestCache(t)
	before := *cache.Snapshot()

	require.ErrorIs(t, cache.SetVolume("Bogus", 0.5), ErrUnknownSink)
	require.ErrorIs(t, cache.SetMuted("Bogus", true), ErrUnknownSink)
	require.ErrorIs(t, cache.SetCurrentSink("nope", "Game"), ErrUnknownApp)

	_, err := cache.UpsertApp("app", "App", 1, "Bogus", time.Now())
	require.ErrorIs(t, err, ErrUnknownSink)

	after := cache.Snapshot()
	require.Equal(t, before.Generation, after.Generation)
	require.Equal(t, before.Sinks, after.Sinks)
	require.Empty(t, after.Apps)
}

func TestConcurrentRoutingNoLostUpdate(t *testing.T) {
	cache := newTestCache(t)
	now := time.Now()

	const n = 64
	for i := 0; i < n; i++ {
		_, err := cache.UpsertApp(fmt.Sprintf("app-%d", i), "App", uint32(i), "Game", now)
		require.NoError(t, err)
	}

	start := cache.Generation()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, cache.SetCurrentSink(fmt.Sprintf("app-%d", i), "Media"))
		}(i)
	}
	wg.Wait()

	require.Equal(t, start+n, cache.Generation(),
		"each of the %d routings must produce its own generation bump", n)

	snap := cache.Snapshot()
	for i := 0; i < n; i++ {
		require.Equal(t, "Media", snap.Apps[fmt.Sprintf("app-%d", i)].CurrentSink)
	}
}

func TestUpsertReactivationPreservesSink(t *testing.T) {
	cache := newTestCache(t)
	now := time.Now()

	_, err := cache.UpsertApp("spotify", "Spotify", 7, "Media", now)
	require.NoError(t, err)
	require.NoError(t, cache.SetCurrentSink("spotify", "Chat"))

	_, became, err := cache.MarkNodeRemoved(7, now)
	require.NoError(t, err)
	require.True(t, became)
	require.False(t, cache.Snapshot().Apps["spotify"].Active)

	// the reappearing stream asks for Media, but the sticky assignment wins
	created, err := cache.UpsertApp("spotify", "Spotify", 8, "Media", now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, created)

	app := cache.Snapshot().Apps["spotify"]
	require.True(t, app.Active)
	require.Equal(t, "Chat", app.CurrentSink)
	require.True(t, app.InactiveSince.IsZero())
}

func TestSnapshotIsolation(t *testing.T) {
	cache := newTestCache(t)

	before := cache.Snapshot()
	require.NoError(t, cache.SetVolume("Game", 0.3))

	require.Equal(t, float32(1.0), before.Sinks["Game"].Volume,
		"an already-taken snapshot must never observe later mutations")
	require.Equal(t, float32(0.3), cache.Snapshot().Sinks["Game"].Volume)
}

func TestEventPerMutation(t *testing.T) {
	cache := newTestCache(t)
	events := cache.Subscribe()
	now := time.Now()

	_, err := cache.UpsertApp("mpv", "Mpv", 3, "Media", now)
	require.NoError(t, err)
	require.NoError(t, cache.SetVolume("Media", 0.8))
	require.NoError(t, cache.SetMuted("Media", true))
	require.NoError(t, cache.SetCurrentSink("mpv", "Game"))

	expected := []EventKind{
		EventApplicationsChanged,
		EventSinkVolumeChanged,
		EventSinkMuteChanged,
		EventApplicationRouted,
	}

	var lastGeneration uint64
	for i, kind := range expected {
		select {
		case event := <-events:
			require.Equal(t, kind, event.Kind, "event %d", i)
			require.Greater(t, event.Generation, lastGeneration)
			lastGeneration = event.Generation
		default:
			t.Fatalf("missing event %d (%v)", i, kind)
		}
	}

	select {
	case event := <-events:
		t.Fatalf("unexpected extra event: %+v", event)
	default:
	}
}

func TestMarkNodeRemovedKeepsMultiStreamAppActive(t *testing.T) {
	cache := newTestCache(t)
	now := time.Now()

	_, err := cache.UpsertApp("discord", "Discord", 1, "Chat", now)
	require.NoError(t, err)
	_, err = cache.UpsertApp("discord", "Discord", 2, "Chat", now)
	require.NoError(t, err)

	app, became, err := cache.MarkNodeRemoved(1, now)
	require.NoError(t, err)
	require.Equal(t, "discord", app)
	require.False(t, became, "an app with remaining streams stays active")
	require.True(t, cache.Snapshot().Apps["discord"].Active)

	_, became, err = cache.MarkNodeRemoved(2, now)
	require.NoError(t, err)
	require.True(t, became, "losing the last stream starts the grace window")
}
