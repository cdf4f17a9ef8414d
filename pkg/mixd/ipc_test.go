package mixd

import (
	"bufio"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*CommandServer, *fakeGraph, *StateCache) {
	t.Helper()

	cache := newTestCache(t)
	graph := newFakeGraph()
	router := NewRouter(zapNop(), &memoryOverrideStore{}, testRoutingConfig())
	handler := newCommandHandler(zapNop(), cache, router, newTimedGraph(graph, time.Second))

	server := NewCommandServer(zapNop(), handler, filepath.Join(t.TempDir(), "mixd.sock"))
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	return server, graph, cache
}

// sendCommand performs one full request/response exchange the way a real
// client does: connect, send one line, read one line, disconnect
func sendCommand(t *testing.T, socketPath, command string) string {
	t.Helper()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(command + "\n"))
	require.NoError(t, err)

	response, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	return strings.TrimSpace(response)
}

func TestSocketSetVolume(t *testing.T) {
	server, graph, cache := newTestServer(t)

	require.Equal(t, "OK", sendCommand(t, server.socketPath, "SET_VOLUME Game 0.5"))

	snap := cache.Snapshot()
	require.Equal(t, float32(0.5), snap.Sinks["Game"].Volume, "the value applies exactly, no clamping")

	graph.mu.Lock()
	defer graph.mu.Unlock()
	require.Equal(t, float32(0.5), graph.vols["Game"])
}

func TestSocketSetVolumeOutOfRange(t *testing.T) {
	server, graph, cache := newTestServer(t)
	before := cache.Generation()

	response := sendCommand(t, server.socketPath, "SET_VOLUME Game 1.5")
	require.True(t, strings.HasPrefix(response, "ERROR "), "got %q", response)

	require.Equal(t, before, cache.Generation(), "a rejected command must not touch state")
	graph.mu.Lock()
	defer graph.mu.Unlock()
	require.Empty(t, graph.vols)
}

func TestSocketMute(t *testing.T) {
	server, _, cache := newTestServer(t)

	require.Equal(t, "OK", sendCommand(t, server.socketPath, "MUTE Chat true"))
	require.True(t, cache.Snapshot().Sinks["Chat"].Muted)

	require.Equal(t, "OK", sendCommand(t, server.socketPath, "MUTE Chat false"))
	require.False(t, cache.Snapshot().Sinks["Chat"].Muted)
}

func TestSocketRoute(t *testing.T) {
	server, graph, cache := newTestServer(t)

	_, err := cache.UpsertApp("firefox", "Firefox", 77, "Media", time.Now())
	require.NoError(t, err)

	require.Equal(t, "OK", sendCommand(t, server.socketPath, "ROUTE firefox Chat"))
	require.Equal(t, "Chat", cache.Snapshot().Apps["firefox"].CurrentSink)

	sink, ok := graph.movedTo(77)
	require.True(t, ok)
	require.Equal(t, "Chat", sink)
}

func TestSocketMalformedInput(t *testing.T) {
	server, _, cache := newTestServer(t)
	before := cache.Generation()

	for _, command := range []string{
		"",
		"BOGUS",
		"ROUTE firefox",
		"ROUTE nosuchapp Chat",
		"SET_VOLUME Game loud",
		"SET_VOLUME NoSuchSink 0.5",
		"MUTE Chat maybe",
	} {
		response := sendCommand(t, server.socketPath, command)
		require.True(t, strings.HasPrefix(response, "ERROR"), "command %q got %q", command, response)
	}

	require.Equal(t, before, cache.Generation(), "malformed input must leave state untouched")
}

func TestSocketSurvivesMisbehavingClient(t *testing.T) {
	server, _, _ := newTestServer(t)

	// connect and hang up without sending anything
	conn, err := net.Dial("unix", server.socketPath)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// the listener must still serve the next client
	require.Equal(t, "OK", sendCommand(t, server.socketPath, "MUTE Media true"))
}

func TestSocketConcurrentClients(t *testing.T) {
	server, _, cache := newTestServer(t)

	done := make(chan string, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- sendCommand(t, server.socketPath, "SET_VOLUME Media 0.3")
		}()
	}

	for i := 0; i < 8; i++ {
		require.Equal(t, "OK", <-done)
	}

	require.Equal(t, float32(0.3), cache.Snapshot().Sinks["Media"].Volume)
}
