// Package reconcile runs the periodic background passes that keep the
// system's derived state honest: the concurrency counters, jobs that have
// stalled mid-run, and the age-based priority promotion of jobs waiting too
// long in a lower class.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/internal/telemetry"
)

// reaper is the slice of limiter.Limiter a LeaseReaper needs.
type reaper interface {
	Reap(ctx context.Context, service string) (int, error)
}

// LeaseReaper recomputes every service's live concurrency counter from its
// surviving lease keys, correcting drift left behind by crashed workers
// that acquired a slot but never released it.
type LeaseReaper struct {
	limiter  reaper
	catalog  *catalog.Catalog
	logger   *slog.Logger
	interval time.Duration
}

// NewLeaseReaper creates a LeaseReaper that sweeps every configured service
// once per interval.
func NewLeaseReaper(limiter reaper, cat *catalog.Catalog, logger *slog.Logger, interval time.Duration) *LeaseReaper {
	return &LeaseReaper{limiter: limiter, catalog: cat, logger: logger, interval: interval}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (r *LeaseReaper) Run(ctx context.Context) {
	r.logger.Info("lease reaper started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("lease reaper stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *LeaseReaper) tick(ctx context.Context) {
	for _, svc := range r.catalog.Services() {
		count, err := r.limiter.Reap(ctx, svc.Name)
		if err != nil {
			r.logger.Error("reaping leases", "service", svc.Name, "error", err)
			continue
		}
		telemetry.LimiterCurrentConcurrency.WithLabelValues(svc.Name).Set(float64(count))
	}
}
