package repository

import (
	"context"

	"catalog-billing/internal/domain/model"
)

type CouponRepository interface {
	Save(ctx context.Context, tx Tx, c *model.Coupon) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Coupon, error)
	// FindByCode matches case-insensitively.
	FindByCode(ctx context.Context, tx Tx, code string) (*model.Coupon, error)
	// IncrementUsage bumps used_count unless max_uses is already reached.
	IncrementUsage(ctx context.Context, tx Tx, id string) (bool, error)
}

type CouponUsageRepository interface {
	Save(ctx context.Context, tx Tx, u *model.CouponUsage) error
	ListByCoupon(ctx context.Context, tx Tx, couponID string) ([]*model.CouponUsage, error)
}
