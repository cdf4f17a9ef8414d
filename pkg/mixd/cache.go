package mixd

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink is a logical audio destination applications get routed to.
// The sink set is fixed at startup from configuration and never
// changes for the lifetime of the process
type Sink struct {
	Name        string
	Description string
	NodeID      uint32
	Volume      float32
	Muted       bool
}

// Application is an audio-producing client, keyed by its normalized
// process identity and bound to exactly one sink at a time
type Application struct {
	Name          string
	DisplayName   string
	CurrentSink   string
	NodeIDs       []uint32
	Active        bool
	LastActive    time.Time
	InactiveSince time.Time
}

// Snapshot is a complete, internally consistent view of the cache at a
// single generation. Snapshots are immutable - consumers must never
// modify the maps they receive
type Snapshot struct {
	Sinks      map[string]Sink
	Apps       map[string]Application
	Generation uint64
	LastUpdate time.Time
}

// EventKind discriminates cache change events
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventSinkVolumeChanged
	EventSinkMuteChanged
	EventApplicationRouted
	EventApplicationsChanged
)

// Event describes a single cache mutation. The cache publishes exactly one
// event per mutation; every transport translates that one event into its
// own wire format
type Event struct {
	Kind       EventKind
	Generation uint64

	Sink   string
	Volume float32
	Muted  bool

	App     string
	Added   []string
	Removed []string
}

var (
	ErrUnknownSink = errors.New("unknown sink")
	ErrUnknownApp  = errors.New("unknown application")
	ErrVolumeRange = errors.New("volume must be between 0.0 and 1.0")
)

const eventBufferSize = 128

// StateCache is the single source of truth for sinks and applications.
// Readers grab an immutable snapshot through an atomic pointer and never
// block writers; writers are serialized by a mutex and swap in a fresh
// snapshot with the generation bumped exactly once per mutating call
type StateCache struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	subscribers []chan Event
}

func NewStateCache(logger *zap.SugaredLogger, sinks []Sink) (*StateCache, error) {
	logger = logger.Named("cache")

	if len(sinks) == 0 {
		return nil, errors.New("at least one sink must be configured")
	}

	initial := &Snapshot{
		Sinks:      make(map[string]Sink, len(sinks)),
		Apps:       map[string]Application{},
		Generation: 0,
		LastUpdate: time.Now(),
	}

	for _, sink := range sinks {
		if _, ok := initial.Sinks[sink.Name]; ok {
			return nil, fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		initial.Sinks[sink.Name] = sink
	}

	c := &StateCache{logger: logger}
	c.current.Store(initial)

	logger.Debugw("Created state cache instance", "sinks", len(sinks))

	return c, nil
}

// Snapshot returns the current immutable snapshot. Never blocks
func (c *StateCache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Generation returns the current generation counter
func (c *StateCache) Generation() uint64 {
	return c.current.Load().Generation
}

// Subscribe returns a buffered channel receiving one event per cache
// mutation. Slow consumers get events dropped rather than stalling the
// mutation path
func (c *StateCache) Subscribe() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Event, eventBufferSize)
	c.subscribers = append(c.subscribers, ch)

	return ch
}

// clone produces a mutable deep copy of the current snapshot.
// Must be called with c.mu held
func (c *StateCache) clone() *Snapshot {
	old := c.current.Load()

	next := &Snapshot{
		Sinks:      make(map[string]Sink, len(old.Sinks)),
		Apps:       make(map[string]Application, len(old.Apps)),
		Generation: old.Generation,
		LastUpdate: old.LastUpdate,
	}

	for name, sink := range old.Sinks {
		next.Sinks[name] = sink
	}
	for name, app := range old.Apps {
		ids := make([]uint32, len(app.NodeIDs))
		copy(ids, app.NodeIDs)
		app.NodeIDs = ids
		next.Apps[name] = app
	}

	return next
}

// commit publishes a mutated snapshot with the generation bumped once,
// then fans the change event out to subscribers.
// Must be called with c.mu held
func (c *StateCache) commit(next *Snapshot, event Event) {
	next.Generation++
	next.LastUpdate = time.Now()
	event.Generation = next.Generation

	c.current.Store(next)

	for _, subscriber := range c.subscribers {
		select {
		case subscriber <- event:
		default:
			c.logger.Warnw("Dropping cache event for slow subscriber",
				"kind", event.Kind, "generation", event.Generation)
		}
	}
}

// UpsertApp records a newly observed stream. A new application is created
// on the given sink; a known application is reactivated in place, keeping
// its previous sink assignment (the sink argument is ignored then).
// Returns whether the application was created
func (c *StateCache) UpsertApp(name, displayName string, nodeID uint32, sink string, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone()

	app, exists := next.Apps[name]
	if exists {
		present := false
		for _, id := range app.NodeIDs {
			if id == nodeID {
				present = true
				break
			}
		}
		if !present {
			app.NodeIDs = append(app.NodeIDs, nodeID)
		}

		app.Active = true
		app.LastActive = now
		app.InactiveSince = time.Time{}
		next.Apps[name] = app

		c.commit(next, Event{Kind: EventStateChanged, App: name})

		return false, nil
	}

	if _, ok := next.Sinks[sink]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSink, sink)
	}

	next.Apps[name] = Application{
		Name:        name,
		DisplayName: displayName,
		CurrentSink: sink,
		NodeIDs:     []uint32{nodeID},
		Active:      true,
		LastActive:  now,
	}

	c.commit(next, Event{
		Kind:  EventApplicationsChanged,
		App:   name,
		Added: []string{name},
	})

	return true, nil
}

// SetCurrentSink moves an application to another sink
func (c *StateCache) SetCurrentSink(app, sink string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone()

	entry, ok := next.Apps[app]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApp, app)
	}
	if _, ok := next.Sinks[sink]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSink, sink)
	}

	entry.CurrentSink = sink
	next.Apps[app] = entry

	c.commit(next, Event{Kind: EventApplicationRouted, App: app, Sink: sink})

	return nil
}

// SetVolume sets a sink's volume. Out-of-range values are rejected outright,
// never clamped, and leave the cache untouched
func (c *StateCache) SetVolume(sink string, volume float32) error {
	if volume < 0.0 || volume > 1.0 {
		return fmt.Errorf("%w: %v", ErrVolumeRange, volume)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone()

	entry, ok := next.Sinks[sink]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSink, sink)
	}

	entry.Volume = volume
	next.Sinks[sink] = entry

	c.commit(next, Event{Kind: EventSinkVolumeChanged, Sink: sink, Volume: volume})

	return nil
}

// SetMuted sets a sink's mute flag
func (c *StateCache) SetMuted(sink string, muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone()

	entry, ok := next.Sinks[sink]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSink, sink)
	}

	entry.Muted = muted
	next.Sinks[sink] = entry

	c.commit(next, Event{Kind: EventSinkMuteChanged, Sink: sink, Muted: muted})

	return nil
}

// AdoptSinkNode records the graph node id backing a configured sink,
// together with the volume state the graph reports for it. Reports for
// nodes that aren't configured sinks are a validation error
func (c *StateCache) AdoptSinkNode(sink string, nodeID uint32, volume float32, muted bool) error {
	if volume < 0.0 || volume > 1.0 {
		return fmt.Errorf("%w: %v", ErrVolumeRange, volume)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone()

	entry, ok := next.Sinks[sink]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSink, sink)
	}

	event := Event{Kind: EventStateChanged, Sink: sink}
	if entry.Volume != volume {
		event = Event{Kind: EventSinkVolumeChanged, Sink: sink, Volume: volume}
	} else if entry.Muted != muted {
		event = Event{Kind: EventSinkMuteChanged, Sink: sink, Muted: muted}
	}

	entry.NodeID = nodeID
	entry.Volume = volume
	entry.Muted = muted
	next.Sinks[sink] = entry

	c.commit(next, event)

	return nil
}

// MarkNodeRemoved drops a stream node from whichever application owns it.
// When it was the application's last stream the application transitions to
// inactive, starting the eviction grace window. Returns the owning
// application's name and whether it just became inactive
func (c *StateCache) MarkNodeRemoved(nodeID uint32, now time.Time) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone()

	for name, app := range next.Apps {
		for i, id := range app.NodeIDs {
			if id != nodeID {
				continue
			}

			app.NodeIDs = append(app.NodeIDs[:i], app.NodeIDs[i+1:]...)

			becameInactive := false
			if len(app.NodeIDs) == 0 && app.Active {
				app.Active = false
				app.InactiveSince = now
				becameInactive = true
			}

			next.Apps[name] = app
			c.commit(next, Event{Kind: EventStateChanged, App: name})

			return name, becameInactive, nil
		}
	}

	return "", false, fmt.Errorf("no application owns node %d", nodeID)
}

// EvictExpired removes applications that have been inactive for longer than
// the grace period. The generation is bumped once per call that removes at
// least one application, not once per removed entry, bounding notification
// volume under mass disconnects. Returns the removed application names
func (c *StateCache) EvictExpired(now time.Time, grace time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone()

	var removed []string
	for name, app := range next.Apps {
		if app.Active || app.InactiveSince.IsZero() {
			continue
		}
		if now.Sub(app.InactiveSince) > grace {
			delete(next.Apps, name)
			removed = append(removed, name)
		}
	}

	if len(removed) == 0 {
		return nil
	}

	c.commit(next, Event{Kind: EventApplicationsChanged, Removed: removed})

	return removed
}
