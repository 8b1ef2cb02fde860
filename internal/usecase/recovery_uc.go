// File: internal/usecase/recovery_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/domain/ports/repository"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
)

// Compile-time check
var _ RecoveryUseCase = (*recoveryUC)(nil)

const sweepLockKey = "recovery:sweep"

// SweepReport summarizes one recovery pass.
type SweepReport struct {
	Scanned      int `json:"scanned"`
	Completed    int `json:"completed"`
	Cancelled    int `json:"cancelled"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	Entitlements int `json:"entitlements"`
	Orphans      int `json:"orphans"`
}

// PendingCheck answers a client polling after a redirect payment.
type PendingCheck struct {
	Paid      bool `json:"paid"`
	Checked   int  `json:"checked"`
	Completed int  `json:"completed"`
}

type RecoveryUseCase interface {
	// Run takes the cluster-wide sweep lock and performs every recovery step.
	Run(ctx context.Context) (*SweepReport, error)
	SweepStuck(ctx context.Context) (*SweepReport, error)
	// ReconcileEntitlements retries pending upgrades; userID == "" covers everyone.
	ReconcileEntitlements(ctx context.Context, userID string) (int, error)
	ReconcileOrphans(ctx context.Context) (int, error)
	// CheckPending re-queries the caller's in-flight transactions.
	CheckPending(ctx context.Context, userID string) (*PendingCheck, error)
	ListEntitlementFailures(ctx context.Context, limit int) ([]*model.EntitlementFailure, error)
}

type recoveryUC struct {
	txns         repository.TransactionRepository
	orphans      repository.OrphanRepository
	payments     PaymentUseCase
	entitlements EntitlementUseCase
	identity     adapter.IdentityProvider
	gateways     adapter.GatewaySet
	locker       adapter.Locker
	cfg          config.RecoveryConfig
	timeout      time.Duration
	log          *zerolog.Logger
	now          func() time.Time
}

func NewRecoveryUseCase(
	txns repository.TransactionRepository,
	orphans repository.OrphanRepository,
	payments PaymentUseCase,
	entitlements EntitlementUseCase,
	identity adapter.IdentityProvider,
	gateways adapter.GatewaySet,
	locker adapter.Locker,
	cfg config.RecoveryConfig,
	providerTimeout time.Duration,
	logger *zerolog.Logger,
) *recoveryUC {
	if providerTimeout <= 0 {
		providerTimeout = 15 * time.Second
	}
	return &recoveryUC{
		txns:         txns,
		orphans:      orphans,
		payments:     payments,
		entitlements: entitlements,
		identity:     identity,
		gateways:     gateways,
		locker:       locker,
		cfg:          cfg,
		timeout:      providerTimeout,
		log:          logger,
		now:          time.Now,
	}
}

func (u *recoveryUC) Run(ctx context.Context) (*SweepReport, error) {
	defer logging.TraceDuration(u.log, "RecoveryUC.Run")()

	token, err := u.locker.TryLock(ctx, sweepLockKey, u.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := u.locker.Unlock(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
			u.log.Warn().Err(err).Msg("failed to release sweep lock")
		}
	}()

	report, err := u.SweepStuck(ctx)
	if err != nil {
		return nil, err
	}
	if report.Entitlements, err = u.ReconcileEntitlements(ctx, ""); err != nil {
		return report, err
	}
	if report.Orphans, err = u.ReconcileOrphans(ctx); err != nil {
		return report, err
	}
	u.log.Info().
		Int("scanned", report.Scanned).
		Int("completed", report.Completed).
		Int("cancelled", report.Cancelled).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("entitlements", report.Entitlements).
		Int("orphans", report.Orphans).
		Msg("recovery pass finished")
	return report, nil
}

// SweepStuck settles transactions that stayed pending or processing past the
// stuck threshold. Completed transactions are never listed, so a sweep cannot
// undo a payment.
func (u *recoveryUC) SweepStuck(ctx context.Context) (*SweepReport, error) {
	now := u.now()
	stale, err := u.txns.ListStale(ctx, repository.NoTX,
		[]model.TransactionStatus{model.TransactionPending, model.TransactionProcessing},
		now.Add(-u.cfg.StuckAfter), u.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Scanned: len(stale)}
	for _, t := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome, err := u.settle(ctx, t, now.Sub(t.CreatedAt) >= u.cfg.HardDeadline, true)
		if err != nil {
			u.log.Warn().Err(err).Str("transaction_id", t.ID).Str("method", string(t.PaymentMethod)).Msg("stuck transaction not settled")
			outcome = model.TransactionStatus("")
		}
		switch outcome {
		case model.TransactionCompleted:
			report.Completed++
		case model.TransactionCancelled:
			report.Cancelled++
		case model.TransactionFailed:
			report.Failed++
		default:
			report.Skipped++
		}
		metrics.IncRecovery("sweep_" + string(orSkipped(outcome)))
	}
	return report, nil
}

func orSkipped(s model.TransactionStatus) model.TransactionStatus {
	if s == "" {
		return "skipped"
	}
	return s
}

// settle asks the provider what happened to t and applies the answer. When the
// provider cannot be asked, t is cancelled if abandon is set. An empty status
// means t was left alone.
func (u *recoveryUC) settle(ctx context.Context, t *model.PaymentTransaction, pastDeadline, abandon bool) (model.TransactionStatus, error) {
	gw, _ := u.gateways.Get(t.PaymentMethod)
	checker, canQuery := gw.(adapter.StatusChecker)
	ref := t.External()

	if !canQuery || ref == "" {
		if !abandon {
			return "", nil
		}
		return u.cancelStale(ctx, t)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()
	st, err := checker.QueryStatus(pctx, ref)
	if err != nil {
		var pe *domain.ProviderError
		switch {
		case pastDeadline && abandon:
			u.log.Warn().Err(err).Str("transaction_id", t.ID).Msg("provider unreachable past hard deadline, cancelling")
			return u.cancelStale(ctx, t)
		case errors.As(err, &pe) && pe.Final:
			if _, err := u.payments.ApplyTrusted(ctx, u.event(t, model.EventFail, pe.Error())); err != nil {
				return "", err
			}
			return model.TransactionFailed, nil
		case errors.As(err, &pe) && pe.Retryable():
			u.log.Info().Err(err).Str("transaction_id", t.ID).Msg("provider unavailable, left for the next pass")
			return "", nil
		}
		return "", err
	}

	switch st.State {
	case model.TransactionCompleted:
		if err := u.complete(ctx, t, st); err != nil {
			return "", err
		}
		return model.TransactionCompleted, nil

	case model.TransactionFailed:
		_, err := u.payments.ApplyTrusted(ctx, u.event(t, model.EventFail, "provider reports failure"))
		if err != nil {
			return "", err
		}
		return model.TransactionFailed, nil

	case model.TransactionCancelled:
		return u.cancelStale(ctx, t)

	default:
		if !abandon {
			return "", nil
		}
		outcome, err := u.cancelStale(ctx, t)
		if err == nil && outcome != "" {
			u.release(ctx, gw, t)
		}
		return outcome, err
	}
}

// complete replays a provider-confirmed payment through the orchestrator so
// the coupon and the upgrade follow the normal path.
func (u *recoveryUC) complete(ctx context.Context, t *model.PaymentTransaction, st *adapter.ProviderStatus) error {
	if t.Status == model.TransactionPending {
		if _, err := u.payments.ApplyTrusted(ctx, u.event(t, model.EventPrepare, "")); err != nil {
			return err
		}
	}
	ev := u.event(t, model.EventComplete, "")
	if st.Amount > 0 {
		ev.Amount, ev.HasAmount = st.Amount, true
	}
	_, err := u.payments.ApplyTrusted(ctx, ev)
	return err
}

func (u *recoveryUC) event(t *model.PaymentTransaction, kind model.EventKind, detail string) model.ProviderEvent {
	return model.ProviderEvent{
		Method:          t.PaymentMethod,
		Kind:            kind,
		MerchantTransID: t.MerchantTransID,
		ExternalTransID: t.External(),
		ErrorDetail:     detail,
		ReceivedAt:      u.now().UTC(),
	}
}

func (u *recoveryUC) cancelStale(ctx context.Context, t *model.PaymentTransaction) (model.TransactionStatus, error) {
	ok, err := u.payments.CancelStale(ctx, t.ID, model.CancelReasonTimeout)
	if err != nil || !ok {
		return "", err
	}
	u.log.Info().Str("transaction_id", t.ID).Str("method", string(t.PaymentMethod)).Msg("stuck transaction cancelled")
	return model.TransactionCancelled, nil
}

// release frees the provider-side reservation. Best effort.
func (u *recoveryUC) release(ctx context.Context, gw adapter.PaymentGateway, t *model.PaymentTransaction) {
	r, ok := gw.(adapter.Reverser)
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()
	if err := r.Reverse(pctx, t.External()); err != nil {
		u.log.Warn().Err(err).Str("transaction_id", t.ID).Msg("provider reservation not released")
	}
}

func (u *recoveryUC) ReconcileEntitlements(ctx context.Context, userID string) (int, error) {
	pending, err := u.txns.ListEntitlementPending(ctx, repository.NoTX, userID, u.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	upgraded := 0
	for _, t := range pending {
		ok, err := u.entitlements.Upgrade(ctx, t)
		if err != nil {
			// Already recorded as an entitlement failure.
			continue
		}
		if ok {
			upgraded++
			metrics.IncRecovery("entitlement_reconciled")
		}
	}
	return upgraded, nil
}

func (u *recoveryUC) ReconcileOrphans(ctx context.Context) (int, error) {
	orphans, err := u.orphans.ListUnresolved(ctx, repository.NoTX, u.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, o := range orphans {
		log := u.log.With().Str("orphan_id", o.ID).Str("method", string(o.Method)).Logger()

		ev := model.ProviderEvent{
			Method:          o.Method,
			Kind:            o.Kind,
			MerchantTransID: o.MerchantTransID,
			ExternalTransID: o.ExternalTransID,
			Amount:          o.Amount,
			HasAmount:       o.Amount > 0,
			Payload:         model.SignedPayload{Fields: o.Payload},
			ReceivedAt:      o.ReceivedAt,
		}
		out, err := u.payments.ApplyTrusted(ctx, ev)
		if errors.Is(err, domain.ErrNotPrepared) {
			prep := ev
			prep.Kind = model.EventPrepare
			if _, err = u.payments.ApplyTrusted(ctx, prep); err == nil {
				out, err = u.payments.ApplyTrusted(ctx, ev)
			}
		}
		if errors.Is(err, domain.ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Msg("orphan notification still not applicable")
			continue
		}
		if err := u.orphans.MarkResolved(ctx, repository.NoTX, o.ID, out.Transaction.ID); err != nil {
			log.Error().Err(err).Msg("failed to mark orphan resolved")
			continue
		}
		resolved++
		metrics.IncRecovery("orphan_resolved")
		log.Info().Str("transaction_id", out.Transaction.ID).Msg("orphan notification reconciled")
	}
	return resolved, nil
}

func (u *recoveryUC) CheckPending(ctx context.Context, userID string) (*PendingCheck, error) {
	defer logging.TraceDuration(u.log, "RecoveryUC.CheckPending")()

	inflight, err := u.txns.ListByUser(ctx, repository.NoTX, userID,
		[]model.TransactionStatus{model.TransactionProcessing}, 10)
	if err != nil {
		return nil, err
	}
	res := &PendingCheck{Checked: len(inflight)}
	for _, t := range inflight {
		outcome, err := u.settle(ctx, t, false, false)
		if err != nil {
			u.log.Debug().Err(err).Str("transaction_id", t.ID).Msg("pending transaction not settled")
			continue
		}
		if outcome == model.TransactionCompleted {
			res.Completed++
		}
	}
	if _, err := u.ReconcileEntitlements(ctx, userID); err != nil {
		return nil, err
	}

	user, err := u.identity.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	res.Paid = user.IsPaid()
	return res, nil
}

func (u *recoveryUC) ListEntitlementFailures(ctx context.Context, limit int) ([]*model.EntitlementFailure, error) {
	return u.entitlements.ListFailures(ctx, limit)
}
