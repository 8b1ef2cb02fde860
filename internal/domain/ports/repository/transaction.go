package repository

import (
	"context"
	"time"

	"catalog-billing/internal/domain/model"
)

// TransitionFields are written together with a status change. Nil fields keep
// the stored value; Metadata is merged into the stored bag.
type TransitionFields struct {
	ExternalTransID  *string
	PreparedAt       *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	CancelReason     *int
	ErrorMessage     *string
	EntitlementState *model.EntitlementState
	Metadata         map[string]interface{}
}

type TransactionRepository interface {
	Save(ctx context.Context, tx Tx, t *model.PaymentTransaction) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.PaymentTransaction, error)
	FindByMerchantTransID(ctx context.Context, tx Tx, merchantTransID string) (*model.PaymentTransaction, error)
	FindByExternalTransID(ctx context.Context, tx Tx, method model.PaymentMethod, externalTransID string) (*model.PaymentTransaction, error)

	// ConditionalUpdateStatus moves id from expected to next only if the stored
	// status still equals expected. It reports whether the row was updated.
	ConditionalUpdateStatus(ctx context.Context, tx Tx, id string, expected, next model.TransactionStatus, f TransitionFields) (bool, error)

	// ClaimEntitlement leases the pending upgrade of id to one caller. A lease
	// older than staleBefore may be taken over.
	ClaimEntitlement(ctx context.Context, tx Tx, id string, staleBefore time.Time) (bool, error)
	// MarkEntitlementApplied flips entitlement_state pending -> applied.
	MarkEntitlementApplied(ctx context.Context, tx Tx, id string) (bool, error)

	ListByUser(ctx context.Context, tx Tx, userID string, statuses []model.TransactionStatus, limit int) ([]*model.PaymentTransaction, error)
	ListStale(ctx context.Context, tx Tx, statuses []model.TransactionStatus, olderThan time.Time, limit int) ([]*model.PaymentTransaction, error)
	// ListEntitlementPending lists completed transactions whose upgrade is not
	// applied yet; userID == "" lists across all users.
	ListEntitlementPending(ctx context.Context, tx Tx, userID string, limit int) ([]*model.PaymentTransaction, error)
	ListPreparedBetween(ctx context.Context, tx Tx, method model.PaymentMethod, from, to time.Time) ([]*model.PaymentTransaction, error)
}
