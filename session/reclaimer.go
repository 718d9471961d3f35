package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmcleod/gatehouse/storage"
)

// DefaultSweepInterval is how often expired sessions are reclaimed.
const DefaultSweepInterval = 60 * time.Second

// SweepObserver is told about every sweep, successful or not.
type SweepObserver func(removed int, elapsed time.Duration, err error)

// Reclaimer periodically deletes expired session records. One Reclaimer
// runs per process.
type Reclaimer struct {
	repo     storage.Repository
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	observe  SweepObserver
}

// ReclaimerOption configures a Reclaimer.
type ReclaimerOption func(*Reclaimer)

// WithReclaimerClock replaces time.Now for the sweep cutoff.
func WithReclaimerClock(now func() time.Time) ReclaimerOption {
	return func(r *Reclaimer) { r.now = now }
}

// WithReclaimerLogger sets the logger.
func WithReclaimerLogger(logger *slog.Logger) ReclaimerOption {
	return func(r *Reclaimer) { r.logger = logger }
}

// WithSweepObserver registers a callback invoked after each sweep.
func WithSweepObserver(fn SweepObserver) ReclaimerOption {
	return func(r *Reclaimer) { r.observe = fn }
}

// NewReclaimer returns a Reclaimer sweeping repo every interval. A
// non-positive interval selects DefaultSweepInterval.
func NewReclaimer(repo storage.Repository, interval time.Duration, opts ...ReclaimerOption) *Reclaimer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	r := &Reclaimer{
		repo:     repo,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reclaimer")
	return r
}

// Run sweeps on every tick until ctx is cancelled. A failed sweep is logged
// and retried on the next tick; Run itself only returns on cancellation.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = r.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes every record expired at the current time.
func (r *Reclaimer) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := r.repo.SweepExpired(ctx, r.now())
	elapsed := time.Since(start)
	if r.observe != nil {
		r.observe(n, elapsed, err)
	}
	if err != nil {
		if ctx.Err() != nil {
			r.logger.Debug("sweep abandoned at shutdown", "error", err)
		} else {
			r.logger.Warn("session sweep failed", "error", err)
		}
		return 0, err
	}
	r.logger.Debug("session sweep complete", "removed", n, "elapsed", elapsed)
	return n, nil
}
