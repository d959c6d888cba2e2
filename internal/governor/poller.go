package governor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultPollPeriod is the nominal polling cadence (10 Hz).
const DefaultPollPeriod = 100 * time.Millisecond

// Poller drives the runtime at a fixed rate. Ticks never overlap: when a
// cycle runs longer than the period the intervening ticks are dropped by
// the ticker, so drift stays bounded instead of compounding.
type Poller struct {
	runtime *Runtime
	period  time.Duration
	logger  *zap.Logger
}

// NewPoller creates a poller. A non-positive period falls back to the
// default 100 ms cadence.
func NewPoller(rt *Runtime, period time.Duration, logger *zap.Logger) *Poller {
	if period <= 0 {
		period = DefaultPollPeriod
	}
	return &Poller{runtime: rt, period: period, logger: logger}
}

// Run polls until ctx is cancelled. The in-flight cycle completes before
// Run returns, so accumulator state is never left mid-update.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started",
		zap.Duration("period", p.period),
		zap.Int("domains", len(p.runtime.domains)))

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	// Take an immediate first sample so every domain has a baseline
	// before the first full period elapses.
	p.runtime.PollOnce()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.runtime.PollOnce()
		}
	}
}
