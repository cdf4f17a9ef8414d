package mixd

import (
	"errors"
	"fmt"
	"time"
)

// GraphController issues commands to the external audio graph. Calls are
// fire-and-verify: the cache is updated optimistically and reconciled
// against the graph's subsequent events, since the graph is the actual
// authority over device state
type GraphController interface {
	// MoveStream reroutes one stream node to the named sink
	MoveStream(nodeID uint32, sink string) error

	// SetSinkVolume applies a volume in [0,1] to the named sink
	SetSinkVolume(sink string, volume float32) error

	// SetSinkMute applies a mute flag to the named sink
	SetSinkMute(sink string, muted bool) error

	// Resync re-enumerates the graph and replays current state through
	// the handler callbacks
	Resync() error
}

// GraphHandler receives stream lifecycle and sink state events from the
// audio graph - the sole authoritative source for "is this application
// currently producing audio"
type GraphHandler interface {
	StreamAdded(nodeID uint32, identity, displayName string)
	StreamRemoved(nodeID uint32)
	SinkChanged(sink string, nodeID uint32, volume float32, muted bool)
}

// ErrGraphTimeout marks a graph command that didn't complete within the
// configured bound. The command fails instead of hanging its caller
var ErrGraphTimeout = errors.New("audio graph command timed out")

// timedGraph bounds every outbound graph call. Command handling may block
// briefly while mutating the cache but must never block on the external
// graph indefinitely
type timedGraph struct {
	graph   GraphController
	timeout time.Duration
}

func newTimedGraph(graph GraphController, timeout time.Duration) *timedGraph {
	return &timedGraph{graph: graph, timeout: timeout}
}

func (t *timedGraph) call(op string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrGraphTimeout, op, t.timeout)
	}
}

func (t *timedGraph) MoveStream(nodeID uint32, sink string) error {
	return t.call("move stream", func() error { return t.graph.MoveStream(nodeID, sink) })
}

func (t *timedGraph) SetSinkVolume(sink string, volume float32) error {
	return t.call("set sink volume", func() error { return t.graph.SetSinkVolume(sink, volume) })
}

func (t *timedGraph) SetSinkMute(sink string, muted bool) error {
	return t.call("set sink mute", func() error { return t.graph.SetSinkMute(sink, muted) })
}

func (t *timedGraph) Resync() error {
	return t.call("resync", func() error { return t.graph.Resync() })
}
