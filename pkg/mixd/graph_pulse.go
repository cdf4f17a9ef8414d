package mixd

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// the wire protocol's normalized full-volume value
const volumeNorm = 0x10000

// pulseGraph talks the native audio server protocol: it subscribes to sink
// and stream lifecycle events, enumerates existing nodes, and issues
// move/volume/mute commands. The connection must exist at startup (the
// daemon has no purpose without it); later drops reconnect with bounded
// backoff while the cache keeps serving
type pulseGraph struct {
	logger      *zap.SugaredLogger
	handler     GraphHandler
	reconnector *Reconnector

	sinkNames map[string]bool

	mu     sync.Mutex
	client *proto.Client
	conn   net.Conn

	// node id -> configured sink name, for translating stream info
	sinkIDs map[uint32]string

	redialing   bool
	ctx         context.Context
	cancel      context.CancelFunc
	infoQueries chan uint32
}

func newPulseGraph(logger *zap.SugaredLogger, sinks []string, handler GraphHandler, reconnector *Reconnector) (*pulseGraph, error) {
	logger = logger.Named("graph")

	ctx, cancel := context.WithCancel(context.Background())

	g := &pulseGraph{
		logger:      logger,
		handler:     handler,
		reconnector: reconnector,
		sinkNames:   make(map[string]bool, len(sinks)),
		sinkIDs:     map[uint32]string{},
		ctx:         ctx,
		cancel:      cancel,
		infoQueries: make(chan uint32, 64),
	}

	for _, name := range sinks {
		g.sinkNames[name] = true
	}

	if err := g.connect(); err != nil {
		cancel()
		return nil, err
	}

	go g.infoQueryLoop()

	logger.Debug("Created pulse graph adapter instance")

	return g, nil
}

func (g *pulseGraph) connect() error {
	client, conn, err := proto.Connect("")
	if err != nil {
		return fmt.Errorf("establish audio server connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("mixd"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set client name: %w", err)
	}

	err = client.Request(&proto.Subscribe{
		Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskSinkInput,
	}, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("subscribe to audio server events: %w", err)
	}

	client.Callback = g.handleEvent

	g.mu.Lock()
	g.client = client
	g.conn = conn
	g.redialing = false
	g.mu.Unlock()

	g.logger.Info("Audio graph connection established")

	return nil
}

// Release closes the audio server connection for good
func (g *pulseGraph) Release() error {
	g.cancel()

	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.client = nil
	g.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Close(); err != nil {
		g.logger.Warnw("Failed to close audio server connection", "error", err)
		return fmt.Errorf("close audio server connection: %w", err)
	}

	g.logger.Debug("Released pulse graph adapter instance")

	return nil
}

func (g *pulseGraph) currentClient() *proto.Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client
}

// request issues one protocol request, kicking off a background reconnect
// when the connection turns out to be dead
func (g *pulseGraph) request(req proto.RequestArgs, reply proto.Reply) error {
	client := g.currentClient()
	if client == nil {
		return fmt.Errorf("audio graph not connected")
	}

	if err := client.Request(req, reply); err != nil {
		g.scheduleReconnect(err)
		return err
	}

	return nil
}

func (g *pulseGraph) scheduleReconnect(cause error) {
	g.mu.Lock()
	if g.redialing || g.ctx.Err() != nil {
		g.mu.Unlock()
		return
	}
	g.redialing = true
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
		g.client = nil
	}
	g.mu.Unlock()

	g.logger.Warnw("Audio graph connection lost, reconnecting", "error", cause)

	go func() {
		err := g.reconnector.Run(g.ctx, "audio graph", func() error {
			if err := g.connect(); err != nil {
				return err
			}
			return g.Resync()
		})
		if err != nil && g.ctx.Err() == nil {
			g.logger.Errorw("Giving up on audio graph reconnect", "error", err)
		}
	}()
}

// handleEvent runs on the protocol client's callback goroutine; the actual
// info queries happen on infoQueryLoop so the callback never blocks
func (g *pulseGraph) handleEvent(msg interface{}) {
	event, ok := msg.(*proto.SubscribeEvent)
	if !ok {
		return
	}

	switch event.Event & proto.EventFacilityMask {
	case proto.EventSinkSinkInput:
		switch event.Event.GetType() {
		case proto.EventNew, proto.EventChange:
			select {
			case g.infoQueries <- event.Index:
			default:
				g.logger.Warnw("Dropping stream info query, queue full", "index", event.Index)
			}
		case proto.EventRemove:
			g.handler.StreamRemoved(event.Index)
		}

	case proto.EventSink:
		if event.Event.GetType() == proto.EventRemove {
			g.mu.Lock()
			delete(g.sinkIDs, event.Index)
			g.mu.Unlock()
			return
		}
		g.querySink(event.Index)
	}
}

func (g *pulseGraph) infoQueryLoop() {
	for {
		select {
		case <-g.ctx.Done():
			return
		case index := <-g.infoQueries:
			g.queryStream(index)
		}
	}
}

func (g *pulseGraph) queryStream(index uint32) {
	request := proto.GetSinkInputInfo{SinkInputIndex: index}
	var info proto.GetSinkInputInfoReply

	if err := g.request(&request, &info); err != nil {
		g.logger.Debugw("Failed to get stream info", "index", index, "error", err)
		return
	}

	g.announceStream(&info)
}

func (g *pulseGraph) announceStream(info *proto.GetSinkInputInfoReply) {
	name, ok := info.Properties["application.process.binary"]
	if !ok {
		// some streams (loopbacks, monitors) carry no process identity;
		// they are not applications
		g.logger.Debugw("Stream without process identity, skipping",
			"index", info.SinkInputIndex)
		return
	}

	identity := NormalizeProcessIdentity(name.String())
	if identity == "" {
		return
	}

	g.handler.StreamAdded(info.SinkInputIndex, identity, DisplayNameFor(identity))
}

func (g *pulseGraph) querySink(index uint32) {
	request := proto.GetSinkInfo{SinkIndex: index}
	var info proto.GetSinkInfoReply

	if err := g.request(&request, &info); err != nil {
		g.logger.Debugw("Failed to get sink info", "index", index, "error", err)
		return
	}

	g.announceSink(&info)
}

func (g *pulseGraph) announceSink(info *proto.GetSinkInfoReply) {
	if !g.sinkNames[info.SinkName] {
		return
	}

	g.mu.Lock()
	g.sinkIDs[info.SinkIndex] = info.SinkName
	g.mu.Unlock()

	g.handler.SinkChanged(info.SinkName, info.SinkIndex, averageVolume(info.ChannelVolumes), info.Mute)
}

// Resync enumerates the graph and replays every configured sink and live
// stream through the handler, reconciling the cache with reality
func (g *pulseGraph) Resync() error {
	var sinks proto.GetSinkInfoListReply
	if err := g.request(&proto.GetSinkInfoList{}, &sinks); err != nil {
		return fmt.Errorf("enumerate sinks: %w", err)
	}

	for _, info := range sinks {
		g.announceSink(info)
	}

	var streams proto.GetSinkInputInfoListReply
	if err := g.request(&proto.GetSinkInputInfoList{}, &streams); err != nil {
		return fmt.Errorf("enumerate streams: %w", err)
	}

	for _, info := range streams {
		g.announceStream(info)
	}

	g.logger.Debugw("Resynced against audio graph", "sinks", len(sinks), "streams", len(streams))

	return nil
}

func (g *pulseGraph) MoveStream(nodeID uint32, sink string) error {
	err := g.request(&proto.MoveSinkInput{
		SinkInputIndex: nodeID,
		DeviceIndex:    proto.Undefined,
		DeviceName:     sink,
	}, nil)
	if err != nil {
		return fmt.Errorf("move stream %d to %s: %w", nodeID, sink, err)
	}

	return nil
}

func (g *pulseGraph) SetSinkVolume(sink string, volume float32) error {
	// channel count has to match the sink's layout
	request := proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: sink}
	var info proto.GetSinkInfoReply

	if err := g.request(&request, &info); err != nil {
		return fmt.Errorf("get sink info for %s: %w", sink, err)
	}

	volumes := make(proto.ChannelVolumes, len(info.ChannelVolumes))
	for i := range volumes {
		volumes[i] = uint32(volume * volumeNorm)
	}

	err := g.request(&proto.SetSinkVolume{
		SinkIndex:      proto.Undefined,
		SinkName:       sink,
		ChannelVolumes: volumes,
	}, nil)
	if err != nil {
		return fmt.Errorf("set volume on sink %s: %w", sink, err)
	}

	return nil
}

func (g *pulseGraph) SetSinkMute(sink string, muted bool) error {
	err := g.request(&proto.SetSinkMute{
		SinkIndex: proto.Undefined,
		SinkName:  sink,
		Mute:      muted,
	}, nil)
	if err != nil {
		return fmt.Errorf("set mute on sink %s: %w", sink, err)
	}

	return nil
}

func averageVolume(volumes proto.ChannelVolumes) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var sum uint64
	for _, v := range volumes {
		sum += uint64(v)
	}

	return float32(sum/uint64(len(volumes))) / volumeNorm
}
