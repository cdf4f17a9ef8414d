// Package mixd implements a per-user background coordinator for a modular
// audio server: it tracks which applications are routed to which logical
// sinks, tracks per-sink volume and mute state, applies routing heuristics
// to newly observed streams, and publishes that state through a shared
// memory snapshot, a command socket and a session bus service
package mixd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mixctl/mixd/pkg/mixd/util"
)

// Mixd is the main entity managing all subcomponents
type Mixd struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager

	cache       *StateCache
	router      *Router
	graph       *pulseGraph
	commands    *commandHandler
	reconnector *Reconnector

	shm     *SharedMemoryWriter
	ipc     *CommandServer
	service *BusService
	sweeper *EvictionSweeper

	stopChannel chan bool
	version     string
	verbose     bool
}

func NewMixd(logger *zap.SugaredLogger, verbose bool, configDir string) (*Mixd, error) {
	logger = logger.Named("mixd")

	notifier, err := NewDesktopNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create DesktopNotifier", "error", err)
		return nil, fmt.Errorf("create new DesktopNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configDir)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Mixd{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		reconnector: NewReconnector(logger),
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created mixd instance")

	return d, nil
}

func (d *Mixd) currConf() *Config {
	return d.configMan.Current()
}

// SetVersion adds a version string to startup logging if called before Initialize
func (d *Mixd) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether mixd is running in verbose mode
func (d *Mixd) Verbose() bool {
	return d.verbose
}

// Initialize sets up all components and starts to run in the background.
// Failure to reach the audio graph is fatal - the daemon has no purpose
// without it. Every later component degrades on its own
func (d *Mixd) Initialize() error {
	d.logger.Debug("Initializing")

	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	conf := d.currConf()

	sinks := make([]Sink, 0, len(conf.Sinks))
	sinkNames := make([]string, 0, len(conf.Sinks))
	for _, sc := range conf.Sinks {
		sinks = append(sinks, Sink{Name: sc.Name, Description: sc.Description, Volume: 1.0})
		sinkNames = append(sinkNames, sc.Name)
	}

	cache, err := NewStateCache(d.logger, sinks)
	if err != nil {
		return fmt.Errorf("create state cache: %w", err)
	}
	d.cache = cache

	d.router = NewRouter(d.logger, d.configMan, conf)

	graph, err := newPulseGraph(d.logger, sinkNames, d, d.reconnector)
	if err != nil {
		d.logger.Errorw("Failed to reach the audio graph", "error", err)
		return fmt.Errorf("connect audio graph: %w", err)
	}
	d.graph = graph

	d.commands = newCommandHandler(d.logger, d.cache, d.router, newTimedGraph(graph, conf.CommandTimeout))

	shm, err := NewSharedMemoryWriter(d.logger, d.cache, util.ShmDir(), conf.PublishInterval)
	if err != nil {
		return fmt.Errorf("create shared memory writer: %w", err)
	}
	d.shm = shm

	if err := util.EnsureDirExists(util.RuntimeDir()); err != nil {
		return fmt.Errorf("ensure runtime dir: %w", err)
	}
	d.ipc = NewCommandServer(d.logger, d.commands, filepath.Join(util.RuntimeDir(), "mixd.sock"))

	d.service = NewBusService(d.logger, d.cache, d.commands, d.reconnector)
	d.sweeper = NewEvictionSweeper(d.logger, d.cache, conf.GracePeriod)

	d.setupInterruptHandler()
	d.setupOnConfigReload()

	d.run()

	return nil
}

func (d *Mixd) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Mixd) setupOnConfigReload() {
	configReloadedChannel := d.configMan.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			d.logger.Info("Detected config reload, re-applying routing rules")

			// the sink set is fixed for the process lifetime; only the
			// routing tables take effect without a restart
			d.router.ReloadFrom(d.currConf())
		}
	}()
}

func (d *Mixd) run() {
	d.logger.Info("Run loop starting")
	if d.version != "" {
		d.logger.Infow("Version info", "version", d.version)
	}

	go d.configMan.WatchConfigFileChanges()

	if err := d.shm.Start(); err != nil {
		d.logger.Errorw("Failed to start shared memory writer", "error", err)
	}
	if err := d.ipc.Start(); err != nil {
		d.logger.Errorw("Failed to start command server", "error", err)
	}
	d.service.Start()
	d.sweeper.Start()

	// prime the cache with whatever the graph already has
	if err := d.graph.Resync(); err != nil {
		d.logger.Warnw("Initial graph resync failed", "error", err)
	}

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop mixd", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *Mixd) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *Mixd) stop() error {
	d.logger.Info("Stopping")

	d.sweeper.Stop()
	d.ipc.Stop()
	d.service.Stop()

	// final consistent snapshot, then release the segment
	d.shm.Stop()

	if err := d.graph.Release(); err != nil {
		d.logger.Warnw("Failed to release graph adapter", "error", err)
	}

	d.configMan.StopWatchingConfigFile()

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}

// StreamAdded implements GraphHandler. A brand-new application goes through
// auto-routing exactly once; a known one is reactivated in place, keeping
// its sink across the interruption
func (d *Mixd) StreamAdded(nodeID uint32, identity, displayName string) {
	now := time.Now()

	snap := d.cache.Snapshot()
	if existing, ok := snap.Apps[identity]; ok {
		if _, err := d.cache.UpsertApp(identity, displayName, nodeID, existing.CurrentSink, now); err != nil {
			d.logger.Warnw("Failed to reactivate application", "app", identity, "error", err)
			return
		}

		// steer the fresh stream back onto the remembered sink
		if err := d.commands.graph.MoveStream(nodeID, existing.CurrentSink); err != nil {
			d.logger.Warnw("Failed to move returning stream",
				"app", identity, "sink", existing.CurrentSink, "error", err)
		}

		if d.verbose {
			d.logger.Debugw("Application reactivated", "app", identity, "sink", existing.CurrentSink)
		}

		return
	}

	target := d.router.Route(identity)

	created, err := d.cache.UpsertApp(identity, displayName, nodeID, target, now)
	if err != nil {
		d.logger.Warnw("Failed to add application", "app", identity, "error", err)
		return
	}

	if created {
		if err := d.commands.graph.MoveStream(nodeID, target); err != nil {
			d.logger.Warnw("Failed to apply auto-routing",
				"app", identity, "sink", target, "error", err)
		}

		d.logger.Infow("New application routed", "app", identity, "sink", target, "node", nodeID)
	}
}

// StreamRemoved implements GraphHandler. Losing the last stream starts the
// eviction grace window rather than removing the application outright
func (d *Mixd) StreamRemoved(nodeID uint32) {
	app, becameInactive, err := d.cache.MarkNodeRemoved(nodeID, time.Now())
	if err != nil {
		// removals for nodes we never tracked are frequent (monitors,
		// loopbacks), not worth a warning
		d.logger.Debugw("Removed node was not tracked", "node", nodeID)
		return
	}

	if becameInactive {
		d.logger.Infow("Application went inactive", "app", app, "node", nodeID)
	}
}

// SinkChanged implements GraphHandler, reconciling graph-reported sink
// state into the cache
func (d *Mixd) SinkChanged(sink string, nodeID uint32, volume float32, muted bool) {
	// some servers report over-norm volumes; the cache only models [0,1]
	// and out-of-range values are never clamped, so an over-norm report
	// keeps the last accepted volume while node id and mute still adopt
	if volume > 1.0 {
		entry, ok := d.cache.Snapshot().Sinks[sink]
		if !ok {
			d.logger.Warnw("Failed to adopt sink state",
				"sink", sink, "error", ErrUnknownSink)
			return
		}

		d.logger.Warnw("Graph reported over-norm sink volume, keeping last known value",
			"sink", sink, "reported", volume, "kept", entry.Volume)
		volume = entry.Volume
	}

	if err := d.cache.AdoptSinkNode(sink, nodeID, volume, muted); err != nil {
		d.logger.Warnw("Failed to adopt sink state", "sink", sink, "error", err)
	}
}
