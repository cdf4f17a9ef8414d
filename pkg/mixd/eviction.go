package mixd

import (
	"time"

	"go.uber.org/zap"
)

// EvictionSweeper periodically removes applications that have been inactive
// for longer than the grace period. The delay between an application going
// silent and its removal is what preserves its sink assignment across
// transient interruptions - a stream reappearing before expiry is simply
// reactivated in place
type EvictionSweeper struct {
	logger *zap.SugaredLogger
	cache  *StateCache

	grace    time.Duration
	interval time.Duration

	stopChannel chan struct{}
	doneChannel chan struct{}
}

func NewEvictionSweeper(logger *zap.SugaredLogger, cache *StateCache, grace time.Duration) *EvictionSweeper {
	logger = logger.Named("eviction")

	// sweeping at half the grace period keeps worst-case overstay
	// below half a window
	sweeper := &EvictionSweeper{
		logger:      logger,
		cache:       cache,
		grace:       grace,
		interval:    grace / 2,
		stopChannel: make(chan struct{}),
		doneChannel: make(chan struct{}),
	}

	logger.Debugw("Created eviction sweeper instance", "grace", grace, "interval", sweeper.interval)

	return sweeper
}

func (e *EvictionSweeper) Start() {
	go func() {
		defer close(e.doneChannel)

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stopChannel:
				return
			case now := <-ticker.C:
				e.sweep(now)
			}
		}
	}()
}

func (e *EvictionSweeper) Stop() {
	close(e.stopChannel)
	<-e.doneChannel
	e.logger.Debug("Eviction sweeper stopped")
}

func (e *EvictionSweeper) sweep(now time.Time) {
	removed := e.cache.EvictExpired(now, e.grace)
	if len(removed) > 0 {
		e.logger.Infow("Evicted inactive applications", "apps", removed, "grace", e.grace)
	}
}
