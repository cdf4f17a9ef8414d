package mixd

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"go.uber.org/zap"
)

const (
	busName          = "org.mixctl.Mixd"
	busObjectPath    = dbus.ObjectPath("/org/mixctl/Mixd")
	busInterfaceName = "org.mixctl.Mixd"
)

// BusService mirrors the cache onto the session bus for clients that want
// live push updates rather than polling the shared memory segment.
// Bus trouble degrades this one channel only - the daemon keeps serving
// the socket and the segment from the same cache
type BusService struct {
	logger      *zap.SugaredLogger
	cache       *StateCache
	handler     *commandHandler
	reconnector *Reconnector

	mu        sync.Mutex
	conn      *dbus.Conn
	props     *prop.Properties
	redialing bool

	// swapped out in tests; establish needs a live session bus
	connect func() error

	events <-chan Event

	ctx         context.Context
	stopCancel  context.CancelFunc
	stopChannel chan struct{}
	doneChannel chan struct{}
}

func NewBusService(logger *zap.SugaredLogger, cache *StateCache, handler *commandHandler, reconnector *Reconnector) *BusService {
	logger = logger.Named("dbus")

	service := &BusService{
		logger:      logger,
		cache:       cache,
		handler:     handler,
		reconnector: reconnector,
		events:      cache.Subscribe(),
		stopChannel: make(chan struct{}),
		doneChannel: make(chan struct{}),
	}
	service.connect = service.establish

	logger.Debugw("Created bus service instance", "name", busName)

	return service
}

// Start claims the bus name and begins translating cache events into
// signals. Failure to reach the bus, at startup or any time after, is a
// transport error: the service keeps retrying in the background with
// bounded backoff, it never takes the daemon down
func (s *BusService) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.ctx = ctx
	s.stopCancel = cancel
	s.mu.Unlock()

	go s.runReconnect()
	go s.eventLoop()
}

func (s *BusService) runReconnect() {
	err := s.reconnector.Run(s.ctx, "session bus", s.connect)

	s.mu.Lock()
	s.redialing = false
	s.mu.Unlock()

	if err != nil && s.ctx.Err() == nil {
		s.logger.Errorw("Giving up on session bus", "error", err)
	}
}

// scheduleReconnect drops the dead connection and re-runs the connect loop,
// at most one redial at a time
func (s *BusService) scheduleReconnect(cause error) {
	s.mu.Lock()
	if s.redialing || s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.redialing = true
	conn := s.conn
	s.conn = nil
	s.props = nil
	s.mu.Unlock()

	if conn != nil {
		_, _ = conn.ReleaseName(busName)
		_ = conn.Close()
	}

	s.logger.Warnw("Session bus connection lost, reconnecting", "error", cause)

	go s.runReconnect()
}

func (s *BusService) Stop() {
	s.stopCancel()
	close(s.stopChannel)
	<-s.doneChannel

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_, _ = s.conn.ReleaseName(busName)
		_ = s.conn.Close()
		s.conn = nil
	}

	s.logger.Debug("Bus service stopped")
}

func (s *BusService) establish() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()
		return fmt.Errorf("bus name %s already owned", busName)
	}

	properties, err := s.export(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("export bus objects: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.props = properties
	s.mu.Unlock()

	s.logger.Infow("Bus service started", "name", busName, "path", busObjectPath)

	return nil
}

func (s *BusService) export(conn *dbus.Conn) (*prop.Properties, error) {
	methods := map[string]interface{}{
		"SetSinkVolume":    s.dbusSetSinkVolume,
		"SetSinkMute":      s.dbusSetSinkMute,
		"RouteApplication": s.dbusRouteApplication,
		"RefreshState":     s.dbusRefreshState,
		"GetFullState":     s.dbusGetFullState,
	}

	if err := conn.ExportMethodTable(methods, busObjectPath, busInterfaceName); err != nil {
		return nil, err
	}

	properties, err := prop.Export(conn, busObjectPath, propertyMap(s.cache.Snapshot()))
	if err != nil {
		return nil, err
	}

	node := &introspect.Node{
		Name: string(busObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: busInterfaceName,
				Methods: []introspect.Method{
					{Name: "SetSinkVolume", Args: []introspect.Arg{
						{Name: "sink", Type: "s", Direction: "in"},
						{Name: "volume", Type: "d", Direction: "in"},
						{Name: "success", Type: "b", Direction: "out"},
					}},
					{Name: "SetSinkMute", Args: []introspect.Arg{
						{Name: "sink", Type: "s", Direction: "in"},
						{Name: "muted", Type: "b", Direction: "in"},
						{Name: "success", Type: "b", Direction: "out"},
					}},
					{Name: "RouteApplication", Args: []introspect.Arg{
						{Name: "app", Type: "s", Direction: "in"},
						{Name: "sink", Type: "s", Direction: "in"},
						{Name: "success", Type: "b", Direction: "out"},
					}},
					{Name: "RefreshState"},
					{Name: "GetFullState", Args: []introspect.Arg{
						{Name: "state", Type: "a{sv}", Direction: "out"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "StateChanged", Args: []introspect.Arg{
						{Name: "generation", Type: "t"},
					}},
					{Name: "SinkVolumeChanged", Args: []introspect.Arg{
						{Name: "sink", Type: "s"},
						{Name: "volume", Type: "d"},
					}},
					{Name: "SinkMuteChanged", Args: []introspect.Arg{
						{Name: "sink", Type: "s"},
						{Name: "muted", Type: "b"},
					}},
					{Name: "ApplicationRouted", Args: []introspect.Arg{
						{Name: "app", Type: "s"},
						{Name: "sink", Type: "s"},
					}},
					{Name: "ApplicationsChanged", Args: []introspect.Arg{
						{Name: "added", Type: "as"},
						{Name: "removed", Type: "as"},
					}},
				},
				Properties: []introspect.Property{
					{Name: "Sinks", Type: "a{sa{sv}}", Access: "read"},
					{Name: "Applications", Type: "a{sa{sv}}", Access: "read"},
					{Name: "Generation", Type: "t", Access: "read"},
					{Name: "LastUpdate", Type: "t", Access: "read"},
				},
			},
		},
	}

	err = conn.Export(introspect.NewIntrospectable(node), busObjectPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return nil, err
	}

	return properties, nil
}

// eventLoop translates each cache event into exactly one StateChanged
// signal plus its specific counterpart, and refreshes the property cache
func (s *BusService) eventLoop() {
	defer close(s.doneChannel)

	for {
		select {
		case <-s.stopChannel:
			return
		case event := <-s.events:
			s.publishEvent(event)
		}
	}
}

func (s *BusService) publishEvent(event Event) {
	s.mu.Lock()
	conn := s.conn
	properties := s.props
	s.mu.Unlock()

	if conn == nil {
		// not on the bus right now; clients resync via GetFullState
		// after they reconnect
		return
	}

	snap := s.cache.Snapshot()

	if properties != nil {
		properties.SetMust(busInterfaceName, "Sinks", sinksToVariants(snap))
		properties.SetMust(busInterfaceName, "Applications", appsToVariants(snap))
		properties.SetMust(busInterfaceName, "Generation", snap.Generation)
		properties.SetMust(busInterfaceName, "LastUpdate", uint64(snap.LastUpdate.UnixMilli()))
	}

	s.emit(conn, "StateChanged", event.Generation)

	switch event.Kind {
	case EventSinkVolumeChanged:
		s.emit(conn, "SinkVolumeChanged", event.Sink, float64(event.Volume))
	case EventSinkMuteChanged:
		s.emit(conn, "SinkMuteChanged", event.Sink, event.Muted)
	case EventApplicationRouted:
		s.emit(conn, "ApplicationRouted", event.App, event.Sink)
	case EventApplicationsChanged:
		s.emit(conn, "ApplicationsChanged", stringsOrEmpty(event.Added), stringsOrEmpty(event.Removed))
	}
}

func (s *BusService) emit(conn *dbus.Conn, signal string, args ...interface{}) {
	if err := conn.Emit(busObjectPath, busInterfaceName+"."+signal, args...); err != nil {
		s.logger.Warnw("Failed to emit signal", "signal", signal, "error", err)
		// an emit failing means the connection is gone; signals carry no
		// state of their own, clients resync via GetFullState once back
		s.scheduleReconnect(err)
	}
}

func (s *BusService) dbusSetSinkVolume(sink string, volume float64) (bool, *dbus.Error) {
	s.logger.Debugw("Bus: set sink volume", "sink", sink, "volume", volume)

	if err := s.handler.SetSinkVolume(sink, float32(volume)); err != nil {
		s.logger.Warnw("Bus: set sink volume failed", "sink", sink, "error", err)
		return false, nil
	}

	return true, nil
}

func (s *BusService) dbusSetSinkMute(sink string, muted bool) (bool, *dbus.Error) {
	s.logger.Debugw("Bus: set sink mute", "sink", sink, "muted", muted)

	if err := s.handler.SetSinkMute(sink, muted); err != nil {
		s.logger.Warnw("Bus: set sink mute failed", "sink", sink, "error", err)
		return false, nil
	}

	return true, nil
}

func (s *BusService) dbusRouteApplication(app, sink string) (bool, *dbus.Error) {
	s.logger.Debugw("Bus: route application", "app", app, "sink", sink)

	if err := s.handler.RouteApplication(app, sink); err != nil {
		s.logger.Warnw("Bus: route application failed", "app", app, "error", err)
		return false, nil
	}

	return true, nil
}

func (s *BusService) dbusRefreshState() *dbus.Error {
	s.logger.Debug("Bus: refresh state")

	if err := s.handler.RefreshState(); err != nil {
		s.logger.Warnw("Bus: refresh state failed", "error", err)
	}

	return nil
}

// dbusGetFullState always reads the live snapshot, bypassing the property
// cache - the escape hatch for clients that suspect staleness
func (s *BusService) dbusGetFullState() (map[string]dbus.Variant, *dbus.Error) {
	return fullStateVariants(s.cache.Snapshot()), nil
}

// propertyMap lays out the read-only property table exported next to the
// method interface. Emission is handled by publishEvent, not by prop
func propertyMap(snap *Snapshot) prop.Map {
	return prop.Map{
		busInterfaceName: {
			"Sinks":        {Value: sinksToVariants(snap), Emit: prop.EmitFalse},
			"Applications": {Value: appsToVariants(snap), Emit: prop.EmitFalse},
			"Generation":   {Value: snap.Generation, Emit: prop.EmitFalse},
			"LastUpdate":   {Value: uint64(snap.LastUpdate.UnixMilli()), Emit: prop.EmitFalse},
		},
	}
}

func sinksToVariants(snap *Snapshot) map[string]map[string]dbus.Variant {
	out := make(map[string]map[string]dbus.Variant, len(snap.Sinks))

	for name, sink := range snap.Sinks {
		out[name] = map[string]dbus.Variant{
			"node_id":     dbus.MakeVariant(sink.NodeID),
			"description": dbus.MakeVariant(sink.Description),
			"volume":      dbus.MakeVariant(float64(sink.Volume)),
			"muted":       dbus.MakeVariant(sink.Muted),
		}
	}

	return out
}

func appsToVariants(snap *Snapshot) map[string]map[string]dbus.Variant {
	out := make(map[string]map[string]dbus.Variant, len(snap.Apps))

	for name, app := range snap.Apps {
		out[name] = map[string]dbus.Variant{
			"display_name": dbus.MakeVariant(app.DisplayName),
			"current_sink": dbus.MakeVariant(app.CurrentSink),
			"node_ids":     dbus.MakeVariant(app.NodeIDs),
			"active":       dbus.MakeVariant(app.Active),
		}
	}

	return out
}

func fullStateVariants(snap *Snapshot) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"sinks":        dbus.MakeVariant(sinksToVariants(snap)),
		"applications": dbus.MakeVariant(appsToVariants(snap)),
		"generation":   dbus.MakeVariant(snap.Generation),
		"last_update":  dbus.MakeVariant(uint64(snap.LastUpdate.UnixMilli())),
	}
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
