package sched

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"catalog-billing/internal/infra/metrics"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

// PoolStatsWorker exports connection pool gauges.
type PoolStatsWorker struct {
	interval time.Duration
	pool     PoolStatter
}

func NewPoolStatsWorker(interval time.Duration, pool PoolStatter) *PoolStatsWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PoolStatsWorker{interval: interval, pool: pool}
}

func (w *PoolStatsWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.export()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *PoolStatsWorker) export() {
	s := w.pool.Stat()
	metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
}
