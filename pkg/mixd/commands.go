package mixd

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// commandHandler is the single mutation core behind every user-facing
// transport. The command socket and the bus service both translate their
// wire formats into these calls, so one source of truth decides validation
// and ordering: validate, update the cache optimistically, then tell the
// graph with a bounded timeout
type commandHandler struct {
	logger *zap.SugaredLogger
	cache  *StateCache
	router *Router
	graph  *timedGraph
}

func newCommandHandler(logger *zap.SugaredLogger, cache *StateCache, router *Router, graph *timedGraph) *commandHandler {
	return &commandHandler{
		logger: logger.Named("commands"),
		cache:  cache,
		router: router,
		graph:  graph,
	}
}

// RouteApplication moves a known application to a sink, records the decision
// as a persisted user override, and reroutes the application's live streams
func (h *commandHandler) RouteApplication(app, sink string) error {
	snap := h.cache.Snapshot()

	entry, ok := snap.Apps[app]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApp, app)
	}

	if err := h.cache.SetCurrentSink(app, sink); err != nil {
		return err
	}

	// user intent outlives the stream - persist before touching the graph,
	// this is the user-action path where file I/O is allowed
	if err := h.router.SetOverride(app, sink); err != nil {
		h.logger.Warnw("Failed to persist routing override", "app", app, "error", err)
	}

	var firstErr error
	for _, nodeID := range entry.NodeIDs {
		if err := h.graph.MoveStream(nodeID, sink); err != nil {
			h.logger.Warnw("Failed to move stream in audio graph",
				"app", app, "node", nodeID, "sink", sink, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return fmt.Errorf("route %s to %s: %w", app, sink, firstErr)
	}

	h.logger.Infow("Routed application", "app", app, "sink", sink, "streams", len(entry.NodeIDs))

	return nil
}

// SetSinkVolume validates and applies a sink volume, cache first, graph second
func (h *commandHandler) SetSinkVolume(sink string, volume float32) error {
	if err := h.cache.SetVolume(sink, volume); err != nil {
		return err
	}

	if err := h.graph.SetSinkVolume(sink, volume); err != nil {
		// optimistic cache state stands; the graph's own change events
		// reconcile it if the command never landed
		return fmt.Errorf("set volume on %s: %w", sink, err)
	}

	return nil
}

// SetSinkMute validates and applies a sink mute flag, cache first, graph second
func (h *commandHandler) SetSinkMute(sink string, muted bool) error {
	if err := h.cache.SetMuted(sink, muted); err != nil {
		return err
	}

	if err := h.graph.SetSinkMute(sink, muted); err != nil {
		return fmt.Errorf("set mute on %s: %w", sink, err)
	}

	return nil
}

// RefreshState forces a reconciliation against the audio graph
func (h *commandHandler) RefreshState() error {
	if err := h.graph.Resync(); err != nil {
		return fmt.Errorf("resync audio graph: %w", err)
	}

	return nil
}

// isValidationError reports whether err left the cache unmodified because
// the request itself was bad, as opposed to a transport failure
func isValidationError(err error) bool {
	return errors.Is(err, ErrUnknownSink) ||
		errors.Is(err, ErrUnknownApp) ||
		errors.Is(err, ErrVolumeRange)
}
