package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/repository"
)

var _ repository.EntitlementFailureRepository = (*entitlementFailureRepo)(nil)
var _ repository.OrphanRepository = (*orphanRepo)(nil)

type entitlementFailureRepo struct{ pool *pgxpool.Pool }

func NewEntitlementFailureRepo(pool *pgxpool.Pool) *entitlementFailureRepo {
	return &entitlementFailureRepo{pool: pool}
}

func (r *entitlementFailureRepo) Record(ctx context.Context, tx repository.Tx, f *model.EntitlementFailure) error {
	const q = `
INSERT INTO entitlement_failures (transaction_id, user_id, user_email, last_error, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, 1, NOW(), NOW())
ON CONFLICT (transaction_id) DO UPDATE SET
  last_error = EXCLUDED.last_error,
  attempts = entitlement_failures.attempts + 1,
  resolved_at = NULL,
  updated_at = NOW();`
	_, err := execSQL(ctx, r.pool, tx, q, f.TransactionID, f.UserID, f.UserEmail, f.LastError)
	return mapExecErr(err)
}

func (r *entitlementFailureRepo) Resolve(ctx context.Context, tx repository.Tx, transactionID string) error {
	const q = `UPDATE entitlement_failures SET resolved_at = NOW(), updated_at = NOW() WHERE transaction_id = $1 AND resolved_at IS NULL;`
	_, err := execSQL(ctx, r.pool, tx, q, transactionID)
	return mapExecErr(err)
}

func (r *entitlementFailureRepo) ListOpen(ctx context.Context, tx repository.Tx, limit int) ([]*model.EntitlementFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT transaction_id, user_id, user_email, last_error, attempts, created_at, updated_at, resolved_at
  FROM entitlement_failures WHERE resolved_at IS NULL ORDER BY created_at ASC LIMIT $1;`
	rows, err := queryRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, mapExecErr(err)
	}
	defer rows.Close()

	var out []*model.EntitlementFailure
	for rows.Next() {
		f := new(model.EntitlementFailure)
		if err := rows.Scan(&f.TransactionID, &f.UserID, &f.UserEmail, &f.LastError, &f.Attempts, &f.CreatedAt, &f.UpdatedAt, &f.ResolvedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type orphanRepo struct{ pool *pgxpool.Pool }

func NewOrphanRepo(pool *pgxpool.Pool) *orphanRepo {
	return &orphanRepo{pool: pool}
}

func (r *orphanRepo) Save(ctx context.Context, tx repository.Tx, o *model.OrphanNotification) error {
	const q = `
INSERT INTO orphan_notifications (id, payment_method, kind, merchant_trans_id, external_trans_id, amount, payload, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	payload := o.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	_, err := execSQL(ctx, r.pool, tx, q, o.ID, string(o.Method), string(o.Kind), o.MerchantTransID, o.ExternalTransID, o.Amount, payload, o.ReceivedAt)
	return mapExecErr(err)
}

func (r *orphanRepo) ListUnresolved(ctx context.Context, tx repository.Tx, limit int) ([]*model.OrphanNotification, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, payment_method, kind, merchant_trans_id, external_trans_id, amount, payload, received_at, resolved_at, transaction_id
  FROM orphan_notifications WHERE resolved_at IS NULL ORDER BY received_at ASC LIMIT $1;`
	rows, err := queryRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, mapExecErr(err)
	}
	defer rows.Close()

	var out []*model.OrphanNotification
	for rows.Next() {
		o := new(model.OrphanNotification)
		if err := rows.Scan(&o.ID, &o.Method, &o.Kind, &o.MerchantTransID, &o.ExternalTransID, &o.Amount, &o.Payload,
			&o.ReceivedAt, &o.ResolvedAt, &o.TransactionID); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *orphanRepo) MarkResolved(ctx context.Context, tx repository.Tx, id, transactionID string) error {
	const q = `UPDATE orphan_notifications SET resolved_at = $3, transaction_id = $2 WHERE id = $1 AND resolved_at IS NULL;`
	_, err := execSQL(ctx, r.pool, tx, q, id, transactionID, time.Now().UTC())
	return mapExecErr(err)
}
