package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/repository"
)

var _ repository.CouponRepository = (*couponRepo)(nil)
var _ repository.CouponUsageRepository = (*couponUsageRepo)(nil)

type couponRepo struct{ pool *pgxpool.Pool }

func NewCouponRepo(pool *pgxpool.Pool) *couponRepo {
	return &couponRepo{pool: pool}
}

const couponColumns = `id, code, discount_type, discount_value, max_uses, used_count, valid_from, valid_until, is_active, created_at, updated_at`

func scanCoupon(s scanner) (*model.Coupon, error) {
	c := &model.Coupon{}
	if err := s.Scan(&c.ID, &c.Code, &c.DiscountType, &c.DiscountValue, &c.MaxUses, &c.UsedCount,
		&c.ValidFrom, &c.ValidUntil, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// Save upserts an admin-managed coupon; used_count is only ever changed by IncrementUsage.
func (r *couponRepo) Save(ctx context.Context, tx repository.Tx, c *model.Coupon) error {
	const q = `
INSERT INTO coupons (id, code, discount_type, discount_value, max_uses, used_count, valid_from, valid_until, is_active, created_at, updated_at)
VALUES ($1, UPPER($2), $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  code=UPPER($2), discount_type=$3, discount_value=$4, max_uses=$5,
  valid_from=$7, valid_until=$8, is_active=$9, updated_at=$11;`
	_, err := execSQL(ctx, r.pool, tx, q, c.ID, c.Code, string(c.DiscountType), c.DiscountValue, c.MaxUses, c.UsedCount,
		c.ValidFrom, c.ValidUntil, c.IsActive, c.CreatedAt, c.UpdatedAt)
	return mapExecErr(err)
}

func (r *couponRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Coupon, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+couponColumns+` FROM coupons WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	c, err := scanCoupon(row)
	if err != nil {
		return nil, mapScanErr(err)
	}
	return c, nil
}

func (r *couponRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.Coupon, error) {
	if code == "" {
		return nil, domain.ErrNotFound
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+couponColumns+` FROM coupons WHERE UPPER(code)=UPPER($1);`, code)
	if err != nil {
		return nil, err
	}
	c, err := scanCoupon(row)
	if err != nil {
		return nil, mapScanErr(err)
	}
	return c, nil
}

// IncrementUsage is a conditional update: concurrent redemptions past max_uses affect no row.
func (r *couponRepo) IncrementUsage(ctx context.Context, tx repository.Tx, id string) (bool, error) {
	const q = `
UPDATE coupons
   SET used_count = used_count + 1, updated_at = NOW()
 WHERE id = $1
   AND (max_uses IS NULL OR used_count < max_uses)`
	cmd, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		return false, mapExecErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

type couponUsageRepo struct{ pool *pgxpool.Pool }

func NewCouponUsageRepo(pool *pgxpool.Pool) *couponUsageRepo {
	return &couponUsageRepo{pool: pool}
}

func (r *couponUsageRepo) Save(ctx context.Context, tx repository.Tx, u *model.CouponUsage) error {
	const q = `
INSERT INTO coupon_usages (id, coupon_id, user_id, payment_id, original_amount, discount_amount, final_amount, used_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	_, err := execSQL(ctx, r.pool, tx, q, u.ID, u.CouponID, u.UserID, u.PaymentID, u.OriginalAmount, u.DiscountAmount, u.FinalAmount, u.UsedAt)
	return mapExecErr(err)
}

func (r *couponUsageRepo) ListByCoupon(ctx context.Context, tx repository.Tx, couponID string) ([]*model.CouponUsage, error) {
	const q = `
SELECT id, coupon_id, user_id, payment_id, original_amount, discount_amount, final_amount, used_at
  FROM coupon_usages WHERE coupon_id=$1 ORDER BY used_at ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, couponID)
	if err != nil {
		return nil, mapExecErr(err)
	}
	defer rows.Close()

	var out []*model.CouponUsage
	for rows.Next() {
		u := new(model.CouponUsage)
		if err := rows.Scan(&u.ID, &u.CouponID, &u.UserID, &u.PaymentID, &u.OriginalAmount, &u.DiscountAmount, &u.FinalAmount, &u.UsedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
