package mixd

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Reconnector retries a connect operation with bounded exponential backoff.
// One instance is shared by every externally-facing transport (audio graph,
// bus service) instead of each reimplementing its own retry loop
type Reconnector struct {
	logger *zap.SugaredLogger

	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func NewReconnector(logger *zap.SugaredLogger) *Reconnector {
	return &Reconnector{
		logger:          logger.Named("reconnect"),
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  0, // retry until the context is canceled
	}
}

// Run keeps calling op until it succeeds, the backoff gives up, or the
// context is canceled
func (r *Reconnector) Run(ctx context.Context, name string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.InitialInterval
	policy.MaxInterval = r.MaxInterval
	policy.MaxElapsedTime = r.MaxElapsedTime

	notify := func(err error, next time.Duration) {
		r.logger.Warnw("Connection attempt failed, backing off",
			"target", name, "error", err, "retryIn", next)
	}

	return backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
}
