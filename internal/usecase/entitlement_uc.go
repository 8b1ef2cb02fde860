// File: internal/usecase/entitlement_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/domain/ports/repository"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
)

// Compile-time check
var _ EntitlementUseCase = (*entitlementUC)(nil)

// EntitlementUseCase grants the paid tier for completed transactions.
type EntitlementUseCase interface {
	// Upgrade is idempotent: it reports false without error when the user is
	// already paid or another caller holds the upgrade.
	Upgrade(ctx context.Context, t *model.PaymentTransaction) (bool, error)
	ListFailures(ctx context.Context, limit int) ([]*model.EntitlementFailure, error)
}

type entitlementUC struct {
	txns     repository.TransactionRepository
	failures repository.EntitlementFailureRepository
	identity adapter.IdentityProvider
	lease    time.Duration
	timeout  time.Duration
	log      *zerolog.Logger
	now      func() time.Time
}

func NewEntitlementUseCase(
	txns repository.TransactionRepository,
	failures repository.EntitlementFailureRepository,
	identity adapter.IdentityProvider,
	timeout time.Duration,
	logger *zerolog.Logger,
) *entitlementUC {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &entitlementUC{
		txns:     txns,
		failures: failures,
		identity: identity,
		lease:    2 * timeout,
		timeout:  timeout,
		log:      logger,
		now:      time.Now,
	}
}

func (u *entitlementUC) Upgrade(ctx context.Context, t *model.PaymentTransaction) (bool, error) {
	defer logging.TraceDuration(u.log, "EntitlementUC.Upgrade")()

	if t == nil || t.Status != model.TransactionCompleted {
		return false, domain.ErrInvalidArgument
	}
	if t.EntitlementState == model.EntitlementApplied {
		return false, nil
	}

	now := u.now()
	claimed, err := u.txns.ClaimEntitlement(ctx, repository.NoTX, t.ID, now.Add(-u.lease))
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	// The identity provider must not be abandoned halfway by a caller that went away.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()

	log := u.log.With().Str("transaction_id", t.ID).Str("user_id", t.UserID).Logger()

	user, err := u.resolveUser(ictx, t)
	if err != nil {
		u.recordFailure(ictx, t, err)
		return false, err
	}

	if user.IsPaid() {
		if _, err := u.txns.MarkEntitlementApplied(ictx, repository.NoTX, t.ID); err != nil {
			return false, err
		}
		u.resolveFailure(ictx, t.ID)
		metrics.IncEntitlement("already_paid")
		log.Info().Msg("user already on paid tier, nothing to upgrade")
		return false, nil
	}

	if err := u.identity.UpdateUserMetadata(ictx, user.ID, model.EntitlementMetadata(t, now)); err != nil {
		u.recordFailure(ictx, t, err)
		return false, err
	}
	if _, err := u.txns.MarkEntitlementApplied(ictx, repository.NoTX, t.ID); err != nil {
		// The tier is granted; the next reconciliation sees a paid user and settles the flag.
		log.Error().Err(err).Msg("tier granted but entitlement flag not updated")
		return true, nil
	}
	u.resolveFailure(ictx, t.ID)
	metrics.IncEntitlement("upgraded")
	log.Info().Str("method", string(t.PaymentMethod)).Msg("paid tier granted")
	return true, nil
}

// resolveUser prefers the stable id and falls back to the denormalized email.
func (u *entitlementUC) resolveUser(ctx context.Context, t *model.PaymentTransaction) (*model.User, error) {
	user, err := u.identity.GetUserByID(ctx, t.UserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) || t.UserEmail == "" {
		return nil, err
	}
	return u.identity.GetUserByEmail(ctx, t.UserEmail)
}

func (u *entitlementUC) recordFailure(ctx context.Context, t *model.PaymentTransaction, cause error) {
	metrics.IncEntitlement("failed")
	now := u.now().UTC()
	err := u.failures.Record(ctx, repository.NoTX, &model.EntitlementFailure{
		TransactionID: t.ID,
		UserID:        t.UserID,
		UserEmail:     t.UserEmail,
		LastError:     cause.Error(),
		Attempts:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	ev := u.log.Error().Err(cause).Str("transaction_id", t.ID).Str("user_id", t.UserID)
	if err != nil {
		ev = ev.AnErr("record_err", err)
	}
	ev.Msg("entitlement upgrade failed")
}

func (u *entitlementUC) resolveFailure(ctx context.Context, transactionID string) {
	if err := u.failures.Resolve(ctx, repository.NoTX, transactionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		u.log.Warn().Err(err).Str("transaction_id", transactionID).Msg("failed to resolve entitlement failure record")
	}
}

func (u *entitlementUC) ListFailures(ctx context.Context, limit int) ([]*model.EntitlementFailure, error) {
	return u.failures.ListOpen(ctx, repository.NoTX, limit)
}
