package cloudbatch

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// TransactionManager demarcates the transaction of one chunk
type TransactionManager interface {
	BeginTx(ctx context.Context) (tx interface{}, err BatchError)
	Commit(tx interface{}) BatchError
	Rollback(tx interface{}) BatchError
}

// SQLTxManager TransactionManager over a database/sql pool, transactions are *sql.Tx
type SQLTxManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewTransactionManager transactions of db with the driver's default isolation
func NewTransactionManager(db *sql.DB) *SQLTxManager {
	return &SQLTxManager{db: db}
}

// Isolation isolation level of the transactions begun afterwards
func (tm *SQLTxManager) Isolation(level sql.IsolationLevel) *SQLTxManager {
	tm.opts = &sql.TxOptions{Isolation: level}
	return tm
}

func (tm *SQLTxManager) BeginTx(ctx context.Context) (interface{}, BatchError) {
	tx, err := tm.db.BeginTx(ctx, tm.opts)
	if err != nil {
		return nil, NewBatchError(ErrCodeDbFail, "start transaction failed", err)
	}
	return tx, nil
}

func (tm *SQLTxManager) Commit(tx interface{}) BatchError {
	sqlTx, err := asSQLTx(tx)
	if err != nil {
		return err
	}
	if e := sqlTx.Commit(); e != nil {
		return NewBatchError(ErrCodeDbFail, "transaction commit failed", e)
	}
	return nil
}

// Rollback an already finished transaction is not an error
func (tm *SQLTxManager) Rollback(tx interface{}) BatchError {
	sqlTx, err := asSQLTx(tx)
	if err != nil {
		return err
	}
	if e := sqlTx.Rollback(); e != nil && !errors.Is(e, sql.ErrTxDone) {
		return NewBatchError(ErrCodeDbFail, "transaction rollback failed", e)
	}
	return nil
}

func asSQLTx(tx interface{}) (*sql.Tx, BatchError) {
	sqlTx, ok := tx.(*sql.Tx)
	if !ok || sqlTx == nil {
		return nil, NewBatchError(ErrCodeIllegalState, "not a sql transaction: %T", tx)
	}
	return sqlTx, nil
}
