package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager executes fn within a database transaction, passing the
// underlying handle as tx. Repositories accept the same handle and must treat
// a nil tx as the non-transactional path.
//
// USAGE
// tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
// applied, err := txns.ConditionalUpdateStatus(ctx, tx, id, from, to, fields)
// ...
// return err
// })
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
