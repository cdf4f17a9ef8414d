package mixd

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvictionGraceWindow(t *testing.T) {
	cache := newTestCache(t)
	grace := 10 * time.Second
	start := time.Now()

	_, err := cache.UpsertApp("spotify", "Spotify", 1, "Media", start)
	require.NoError(t, err)
	require.NoError(t, cache.SetCurrentSink("spotify", "Chat"))

	_, _, err = cache.MarkNodeRemoved(1, start)
	require.NoError(t, err)

	// resumes activity 5s in: must retain its prior sink and never be removed
	created, err := cache.UpsertApp("spotify", "Spotify", 2, "Media", start.Add(5*time.Second))
	require.NoError(t, err)
	require.False(t, created)

	removed := cache.EvictExpired(start.Add(30*time.Second), grace)
	require.Empty(t, removed, "an active application is never evicted")
	require.Equal(t, "Chat", cache.Snapshot().Apps["spotify"].CurrentSink)
}

func TestEvictionPastGracePeriod(t *testing.T) {
	cache := newTestCache(t)
	grace := 10 * time.Second
	start := time.Now()

	_, err := cache.UpsertApp("mpv", "Mpv", 1, "Media", start)
	require.NoError(t, err)
	_, _, err = cache.MarkNodeRemoved(1, start)
	require.NoError(t, err)

	// still within the window
	require.Empty(t, cache.EvictExpired(start.Add(9*time.Second), grace))
	require.Contains(t, cache.Snapshot().Apps, "mpv",
		"an inactive application stays visible for the whole grace window")

	removed := cache.EvictExpired(start.Add(11*time.Second), grace)
	require.Equal(t, []string{"mpv"}, removed)
	require.NotContains(t, cache.Snapshot().Apps, "mpv",
		"an expired application must be absent from every subsequent snapshot")
}

func TestEvictionBumpsGenerationOncePerSweep(t *testing.T) {
	cache := newTestCache(t)
	grace := 10 * time.Second
	start := time.Now()

	const n = 8
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("app-%d", i)
		_, err := cache.UpsertApp(name, "App", uint32(i), "Game", start)
		require.NoError(t, err)
		_, _, err = cache.MarkNodeRemoved(uint32(i), start)
		require.NoError(t, err)
	}

	before := cache.Generation()

	// a sweep with nothing to do must not bump at all
	require.Empty(t, cache.EvictExpired(start.Add(time.Second), grace))
	require.Equal(t, before, cache.Generation())

	// a mass disconnect sweep bumps exactly once, not once per entity
	removed := cache.EvictExpired(start.Add(time.Minute), grace)
	require.Len(t, removed, n)
	require.Equal(t, before+1, cache.Generation())
}

func TestSweeperIntervalIsHalfGrace(t *testing.T) {
	cache := newTestCache(t)
	sweeper := NewEvictionSweeper(zapNop(), cache, 10*time.Second)

	require.Equal(t, 5*time.Second, sweeper.interval)
}

func TestSweeperStartStop(t *testing.T) {
	cache := newTestCache(t)

	sweeper := NewEvictionSweeper(zapNop(), cache, 50*time.Millisecond)
	sweeper.Start()

	start := time.Now()
	_, err := cache.UpsertApp("vlc", "Vlc", 1, "Media", start)
	require.NoError(t, err)
	_, _, err = cache.MarkNodeRemoved(1, start.Add(-time.Minute))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := cache.Snapshot().Apps["vlc"]
		return !ok
	}, time.Second, 10*time.Millisecond, "the sweeper must remove a long-expired application")

	sweeper.Stop()
}
