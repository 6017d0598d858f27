package cloudbatch

import (
	"database/sql"

	"github.com/chararch/cloudbatch/database"
)

//SQLItemWriter executes one statement per item inside the chunk transaction
type SQLItemWriter struct {
	//SQL statement with ? placeholders, rebound for the dialect
	SQL     string
	Dialect database.Dialect
	//Args statement arguments of an item
	Args func(item interface{}) ([]interface{}, error)
}

//NewSQLItemWriter writer of statement for dialect
func NewSQLItemWriter(statement string, dialect database.Dialect, args func(item interface{}) ([]interface{}, error)) *SQLItemWriter {
	return &SQLItemWriter{SQL: statement, Dialect: dialect, Args: args}
}

func (w *SQLItemWriter) Write(items []interface{}, chunkCtx *ChunkContext) BatchError {
	tx, ok := chunkCtx.Tx.(*sql.Tx)
	if !ok {
		return NewBatchError(ErrCodeIllegalState, "chunk of step:%v is not in a sql transaction", chunkCtx.StepExecution.StepName)
	}
	stmt, err := tx.PrepareContext(chunkCtx.Context, w.Dialect.Rebind(w.SQL))
	if err != nil {
		return NewBatchError(ErrCodeProcessing, "prepare statement:%v err", w.SQL, err)
	}
	defer stmt.Close()
	for _, item := range items {
		args, err := w.Args(item)
		if err != nil {
			return NewBatchError(ErrCodeProcessing, "bind item:%+v err", item, err)
		}
		if _, err = stmt.ExecContext(chunkCtx.Context, args...); err != nil {
			return NewBatchError(ErrCodeProcessing, "write item:%+v err", item, err)
		}
	}
	return nil
}
