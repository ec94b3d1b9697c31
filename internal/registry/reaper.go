package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LockSweeper removes expired lock rows. The lock manager already
// filters expired rows on read; the sweep only bounds storage.
type LockSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// StatsRecorder receives liveness figures from each reap pass.
type StatsRecorder interface {
	SetAgentsActive(count int)
	RecordReaped(count int)
}

// Reaper periodically expires stale agents and sweeps expired locks.
type Reaper struct {
	reg      *Registry
	sweeper  LockSweeper
	stats    StatsRecorder
	interval time.Duration
	logger   zerolog.Logger
}

func NewReaper(reg *Registry, sweeper LockSweeper, stats StatsRecorder, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		reg:      reg,
		sweeper:  sweeper,
		stats:    stats,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
	}
}

// Run blocks until the context is cancelled, ticking at the configured
// interval. Errors are logged, never fatal; the next tick retries.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reaper started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	reaped, err := r.reg.ExpireStale(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("agent reap pass failed")
	} else if reaped > 0 {
		r.stats.RecordReaped(reaped)
		r.logger.Info().Int("reaped", reaped).Msg("expired stale agents")
	}

	if active, err := r.reg.CountActive(ctx); err == nil {
		r.stats.SetAgentsActive(active)
	}

	swept, err := r.sweeper.Sweep(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("lock sweep failed")
	} else if swept > 0 {
		r.logger.Debug().Int("swept", swept).Msg("removed expired locks")
	}
}
