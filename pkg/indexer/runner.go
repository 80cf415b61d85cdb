package indexer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Runner invokes an Indexer on a fixed interval until its context ends. Cycle errors are logged
// and the loop carries on.
type Runner struct {
	Logger   *zap.Logger
	Indexer  *Indexer
	Interval time.Duration
}

func NewRunner(logger *zap.Logger, ix *Indexer, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Runner{Logger: logger, Indexer: ix, Interval: interval}
}

// Run performs a cycle immediately and then once per interval. It returns when ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("indexer loop stopped", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single cycle and logs its outcome.
func (r *Runner) RunOnce(ctx context.Context) int {
	n, err := r.Indexer.IndexNewEvents(ctx)
	switch {
	case err == nil:
		if n > 0 {
			r.Logger.Debug("indexing cycle complete", zap.Int("events", n))
		}
	case errors.Is(err, ErrCycleInProgress):
		r.Logger.Debug("previous indexing cycle still running, skipping tick")
	case ctx.Err() != nil:
		// shutting down
	case IsTransient(err):
		r.Logger.Warn("indexing cycle aborted, retrying next tick", zap.Error(err))
	default:
		r.Logger.Error("indexing cycle failed", zap.Error(err))
	}
	return n
}
