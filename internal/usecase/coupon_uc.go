// File: internal/usecase/coupon_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/repository"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
)

// Compile-time check
var _ CouponUseCase = (*couponUC)(nil)

// Reasons a supplied coupon code did not take effect.
const (
	CouponNotFound   = "not_found"
	CouponInactive   = model.CouponInactive
	CouponNotStarted = model.CouponNotStarted
	CouponExpired    = model.CouponExpired
	CouponExhausted  = model.CouponExhausted
)

// CouponQuote is the priced outcome of resolving a code against an amount.
type CouponQuote struct {
	Coupon         *model.Coupon // nil when no coupon took effect
	Code           string
	OriginalAmount int64
	DiscountAmount int64
	FinalAmount    int64
	Reason         string
}

func (q *CouponQuote) Applied() bool { return q.Coupon != nil && q.DiscountAmount > 0 }

// FullDiscount reports the zero-amount case.
func (q *CouponQuote) FullDiscount() bool { return q.Applied() && q.FinalAmount == 0 }

// withoutDiscount drops the coupon, keeping the reason for the caller.
func (q *CouponQuote) withoutDiscount(reason string) *CouponQuote {
	return &CouponQuote{Code: q.Code, OriginalAmount: q.OriginalAmount, FinalAmount: q.OriginalAmount, Reason: reason}
}

type CouponUseCase interface {
	// Resolve never fails because of the code itself: any unusable code
	// yields a quote at full price with Reason set.
	Resolve(ctx context.Context, code string, amount int64, now time.Time) (*CouponQuote, error)
	// Claim takes one use of the coupon if any remain.
	Claim(ctx context.Context, tx repository.Tx, couponID string) (bool, error)
	// RecordUsage appends the ledger row for a completed transaction.
	RecordUsage(ctx context.Context, tx repository.Tx, t *model.PaymentTransaction) error
}

type couponUC struct {
	coupons repository.CouponRepository
	usages  repository.CouponUsageRepository
	log     *zerolog.Logger
}

func NewCouponUseCase(coupons repository.CouponRepository, usages repository.CouponUsageRepository, logger *zerolog.Logger) *couponUC {
	return &couponUC{coupons: coupons, usages: usages, log: logger}
}

func (u *couponUC) Resolve(ctx context.Context, code string, amount int64, now time.Time) (*CouponQuote, error) {
	defer logging.TraceDuration(u.log, "CouponUC.Resolve")()

	if amount <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	code = model.NormalizeCouponCode(code)
	q := &CouponQuote{Code: code, OriginalAmount: amount, FinalAmount: amount}
	if code == "" {
		return q, nil
	}

	c, err := u.coupons.FindByCode(ctx, repository.NoTX, code)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			u.log.Warn().Err(err).Str("code", code).Msg("coupon lookup failed, charging full price")
		}
		metrics.IncCoupon("rejected")
		return q.withoutDiscount(CouponNotFound), nil
	}
	if reason := c.Rejection(now); reason != "" {
		metrics.IncCoupon("rejected")
		return q.withoutDiscount(reason), nil
	}

	discount := c.DiscountFor(amount)
	q.Coupon = c
	q.DiscountAmount = discount
	q.FinalAmount = amount - discount
	metrics.IncCoupon("quoted")
	return q, nil
}

func (u *couponUC) Claim(ctx context.Context, tx repository.Tx, couponID string) (bool, error) {
	ok, err := u.coupons.IncrementUsage(ctx, tx, couponID)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.IncCoupon("redeemed")
	} else {
		metrics.IncCoupon("exhausted")
	}
	return ok, nil
}

func (u *couponUC) RecordUsage(ctx context.Context, tx repository.Tx, t *model.PaymentTransaction) error {
	if t.CouponID == nil {
		return domain.ErrInvalidArgument
	}
	return u.usages.Save(ctx, tx, &model.CouponUsage{
		ID:             uuid.NewString(),
		CouponID:       *t.CouponID,
		UserID:         t.UserID,
		PaymentID:      t.ID,
		OriginalAmount: t.OriginalAmount,
		DiscountAmount: t.DiscountAmount,
		FinalAmount:    t.FinalAmount,
		UsedAt:         time.Now().UTC(),
	})
}
