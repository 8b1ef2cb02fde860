package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/usecase"
)

// RecoveryWorker runs the recovery pass on startup and then on every tick.
// Replicas share the work through the use case's distributed lock.
type RecoveryWorker struct {
	interval time.Duration
	recUC    usecase.RecoveryUseCase
	log      *zerolog.Logger
}

func NewRecoveryWorker(interval time.Duration, recUC usecase.RecoveryUseCase, logger *zerolog.Logger) *RecoveryWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	compLog := logger.With().Str("component", "RecoveryWorker").Logger()
	return &RecoveryWorker{
		interval: interval,
		recUC:    recUC,
		log:      &compLog,
	}
}

func (w *RecoveryWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting recovery worker")
	w.runPass(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping recovery worker")
			return ctx.Err()
		case <-ticker.C:
			w.runPass(ctx)
		}
	}
}

func (w *RecoveryWorker) runPass(ctx context.Context) {
	rep, err := w.recUC.Run(ctx)
	switch {
	case errors.Is(err, adapter.ErrLockHeld):
		w.log.Debug().Msg("recovery pass skipped, another replica holds the lock")
	case err != nil && ctx.Err() == nil:
		w.log.Error().Err(err).Msg("recovery pass failed")
	case rep != nil && rep.Scanned+rep.Entitlements+rep.Orphans > 0:
		w.log.Info().
			Int("scanned", rep.Scanned).
			Int("completed", rep.Completed).
			Int("cancelled", rep.Cancelled).
			Int("entitlements", rep.Entitlements).
			Int("orphans", rep.Orphans).
			Msg("recovery pass applied changes")
	}
}
