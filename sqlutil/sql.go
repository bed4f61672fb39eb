package sqlutil

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransactionContext runs fn inside an SQL transaction bound to ctx. If fn returns an
// error or panics, or ctx is cancelled, the transaction is rolled back. Otherwise it is
// committed.
func WithTransactionContext(ctx context.Context, db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}
