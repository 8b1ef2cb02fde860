package repository

import (
	"context"

	"catalog-billing/internal/domain/model"
)

type EntitlementFailureRepository interface {
	// Record upserts by transaction id, incrementing Attempts.
	Record(ctx context.Context, tx Tx, f *model.EntitlementFailure) error
	Resolve(ctx context.Context, tx Tx, transactionID string) error
	ListOpen(ctx context.Context, tx Tx, limit int) ([]*model.EntitlementFailure, error)
}

type OrphanRepository interface {
	Save(ctx context.Context, tx Tx, o *model.OrphanNotification) error
	ListUnresolved(ctx context.Context, tx Tx, limit int) ([]*model.OrphanNotification, error)
	MarkResolved(ctx context.Context, tx Tx, id, transactionID string) error
}
