package sample

import (
	"database/sql"

	"github.com/chararch/cloudbatch"
	"github.com/chararch/cloudbatch/database"
	"github.com/chararch/cloudbatch/internal/metrics"
)

// WorkerStepName name of the load step run by every worker
const WorkerStepName = "workerStep"

// LoadStepOptions dependencies of the load step
type LoadStepOptions struct {
	DB              *sql.DB
	Dialect         database.Dialect
	Repository      cloudbatch.JobRepository
	Stager          cloudbatch.ResourceStager
	ChunkSize       uint
	SkipLimit       int64
	KeepStagedFiles bool
	Metrics         *metrics.Collector
	//TxManager overrides the transaction manager on DB
	TxManager cloudbatch.TransactionManager
	//Writer overrides the foo insert writer
	Writer cloudbatch.Writer
}

// NewLoadStep worker step: stage, read Foo lines, enrich, insert into foo
func NewLoadStep(opts LoadStepOptions) cloudbatch.Step {
	reader := cloudbatch.NewFlatFileReader(Columns, Foo{})
	reader.SkipLimit = opts.SkipLimit
	txManager := opts.TxManager
	if txManager == nil {
		txManager = cloudbatch.NewTransactionManager(opts.DB)
	}
	writer := opts.Writer
	if writer == nil {
		writer = cloudbatch.NewSQLItemWriter(InsertFoo, opts.Dialect, FooArgs)
	}
	return cloudbatch.NewStep(WorkerStepName).
		Reader(reader).
		Processor(&EnrichmentProcessor{}).
		Writer(writer).
		ChunkSize(opts.ChunkSize).
		TransactionManager(txManager).
		Repository(opts.Repository).
		Stager(opts.Stager).
		KeepStagedFiles(opts.KeepStagedFiles).
		Metrics(opts.Metrics).
		Build()
}
