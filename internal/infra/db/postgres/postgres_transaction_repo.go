package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/repository"
)

var _ repository.TransactionRepository = (*transactionRepo)(nil)

type transactionRepo struct{ pool *pgxpool.Pool }

func NewTransactionRepo(pool *pgxpool.Pool) *transactionRepo {
	return &transactionRepo{pool: pool}
}

const transactionColumns = `id, merchant_trans_id, external_trans_id, user_id, user_email, payment_method,
  original_amount, discount_amount, final_amount, currency, coupon_id, status, entitlement_state,
  metadata, error_message, cancel_reason, created_at, updated_at, prepared_at, completed_at, cancelled_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*model.PaymentTransaction, error) {
	t := &model.PaymentTransaction{}
	var meta map[string]interface{}
	if err := s.Scan(&t.ID, &t.MerchantTransID, &t.ExternalTransID, &t.UserID, &t.UserEmail, &t.PaymentMethod,
		&t.OriginalAmount, &t.DiscountAmount, &t.FinalAmount, &t.Currency, &t.CouponID, &t.Status, &t.EntitlementState,
		&meta, &t.ErrorMessage, &t.CancelReason, &t.CreatedAt, &t.UpdatedAt, &t.PreparedAt, &t.CompletedAt, &t.CancelledAt); err != nil {
		return nil, err
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	t.Metadata = meta
	return t, nil
}

func (r *transactionRepo) Save(ctx context.Context, tx repository.Tx, t *model.PaymentTransaction) error {
	if !t.AmountsConsistent() {
		return domain.ErrInvalidArgument
	}
	const q = `
INSERT INTO payment_transactions (
  id, merchant_trans_id, external_trans_id, user_id, user_email, payment_method,
  original_amount, discount_amount, final_amount, currency, coupon_id, status, entitlement_state,
  metadata, error_message, cancel_reason, created_at, updated_at, prepared_at, completed_at, cancelled_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
);`
	meta := t.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	_, err := execSQL(ctx, r.pool, tx, q,
		t.ID, t.MerchantTransID, t.ExternalTransID, t.UserID, t.UserEmail, string(t.PaymentMethod),
		t.OriginalAmount, t.DiscountAmount, t.FinalAmount, t.Currency, t.CouponID, string(t.Status), string(t.EntitlementState),
		meta, t.ErrorMessage, t.CancelReason, t.CreatedAt, t.UpdatedAt, t.PreparedAt, t.CompletedAt, t.CancelledAt)
	return mapExecErr(err)
}

func (r *transactionRepo) findOne(ctx context.Context, tx repository.Tx, where string, args ...interface{}) (*model.PaymentTransaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE ` + where + ` LIMIT 1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	row, err := pickRow(ctx, r.pool, tx, q+";", args...)
	if err != nil {
		return nil, err
	}
	t, err := scanTransaction(row)
	if err != nil {
		return nil, mapScanErr(err)
	}
	return t, nil
}

func (r *transactionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PaymentTransaction, error) {
	return r.findOne(ctx, tx, `id=$1`, id)
}

func (r *transactionRepo) FindByMerchantTransID(ctx context.Context, tx repository.Tx, merchantTransID string) (*model.PaymentTransaction, error) {
	return r.findOne(ctx, tx, `merchant_trans_id=$1`, merchantTransID)
}

func (r *transactionRepo) FindByExternalTransID(ctx context.Context, tx repository.Tx, method model.PaymentMethod, externalTransID string) (*model.PaymentTransaction, error) {
	return r.findOne(ctx, tx, `payment_method=$1 AND external_trans_id=$2`, string(method), externalTransID)
}

// ConditionalUpdateStatus is the single guard behind every state transition.
// Pairs outside the state machine are refused before reaching the database.
func (r *transactionRepo) ConditionalUpdateStatus(
	ctx context.Context, tx repository.Tx, id string, expected, next model.TransactionStatus, f repository.TransitionFields,
) (bool, error) {
	if err := model.CheckTransition(expected, next); err != nil {
		return false, err
	}
	const q = `
UPDATE payment_transactions
   SET status            = $3,
       external_trans_id = COALESCE($4, external_trans_id),
       prepared_at       = COALESCE($5, prepared_at),
       completed_at      = COALESCE($6, completed_at),
       cancelled_at      = COALESCE($7, cancelled_at),
       cancel_reason     = COALESCE($8, cancel_reason),
       error_message     = COALESCE($9, error_message),
       entitlement_state = COALESCE($10, entitlement_state),
       metadata          = metadata || COALESCE($11::jsonb, '{}'::jsonb),
       updated_at        = NOW()
 WHERE id = $1
   AND status = $2`

	var ent *string
	if f.EntitlementState != nil {
		s := string(*f.EntitlementState)
		ent = &s
	}
	var meta interface{}
	if len(f.Metadata) > 0 {
		meta = f.Metadata
	}
	cmd, err := execSQL(ctx, r.pool, tx, q, id, string(expected), string(next),
		f.ExternalTransID, f.PreparedAt, f.CompletedAt, f.CancelledAt, f.CancelReason, f.ErrorMessage, ent, meta)
	if err != nil {
		return false, mapExecErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *transactionRepo) ClaimEntitlement(ctx context.Context, tx repository.Tx, id string, staleBefore time.Time) (bool, error) {
	const q = `
UPDATE payment_transactions
   SET entitlement_claimed_at = NOW()
 WHERE id = $1
   AND status = 'completed'
   AND entitlement_state = 'pending'
   AND (entitlement_claimed_at IS NULL OR entitlement_claimed_at < $2)`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, staleBefore)
	if err != nil {
		return false, mapExecErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *transactionRepo) MarkEntitlementApplied(ctx context.Context, tx repository.Tx, id string) (bool, error) {
	const q = `
UPDATE payment_transactions
   SET entitlement_state = 'applied', entitlement_claimed_at = NULL, updated_at = NOW()
 WHERE id = $1 AND entitlement_state = 'pending'`
	cmd, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		return false, mapExecErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *transactionRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.PaymentTransaction, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapExecErr(err)
	}
	defer rows.Close()

	var out []*model.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, domain.ErrOperationFailed
	}
	return out, nil
}

func statusStrings(statuses []model.TransactionStatus) []string {
	ss := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ss = append(ss, string(s))
	}
	return ss
}

func (r *transactionRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, statuses []model.TransactionStatus, limit int) ([]*model.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + transactionColumns + ` FROM payment_transactions
 WHERE user_id = $1 AND status = ANY($2)
 ORDER BY created_at DESC LIMIT $3;`
	return r.list(ctx, tx, q, userID, statusStrings(statuses), limit)
}

func (r *transactionRepo) ListStale(ctx context.Context, tx repository.Tx, statuses []model.TransactionStatus, olderThan time.Time, limit int) ([]*model.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + transactionColumns + ` FROM payment_transactions
 WHERE status = ANY($1) AND created_at < $2
 ORDER BY created_at ASC LIMIT $3;`
	return r.list(ctx, tx, q, statusStrings(statuses), olderThan, limit)
}

func (r *transactionRepo) ListEntitlementPending(ctx context.Context, tx repository.Tx, userID string, limit int) ([]*model.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + transactionColumns + ` FROM payment_transactions
 WHERE status = 'completed' AND entitlement_state = 'pending' AND ($1 = '' OR user_id = $1)
 ORDER BY completed_at ASC NULLS FIRST LIMIT $2;`
	return r.list(ctx, tx, q, userID, limit)
}

func (r *transactionRepo) ListPreparedBetween(ctx context.Context, tx repository.Tx, method model.PaymentMethod, from, to time.Time) ([]*model.PaymentTransaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM payment_transactions
 WHERE payment_method = $1 AND prepared_at >= $2 AND prepared_at <= $3
 ORDER BY prepared_at ASC;`
	return r.list(ctx, tx, q, string(method), from, to)
}
