package sample

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chararch/cloudbatch"
	"github.com/chararch/cloudbatch/file"
	"github.com/chararch/cloudbatch/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrichmentProcessor_Process(t *testing.T) {
	in := &Foo{First: "a", Second: "b", Third: "c"}
	out, err := (&EnrichmentProcessor{}).Process(in, &cloudbatch.ChunkContext{Context: context.Background()})
	require.Nil(t, err)

	foo := out.(*Foo)
	assert.Equal(t, "processed: a|b|c", foo.Message)
	assert.Equal(t, "a", foo.First)
	assert.Equal(t, "b", foo.Second)
	assert.Equal(t, "c", foo.Third)
	assert.Equal(t, "", in.Message, "input item is left untouched")

	out, err = (&EnrichmentProcessor{Prefix: "seen"}).Process(in, nil)
	require.Nil(t, err)
	assert.Equal(t, "seen: a|b|c", out.(*Foo).Message)
}

func TestEnrichmentProcessor_WrongType(t *testing.T) {
	_, err := (&EnrichmentProcessor{}).Process("a,b,c", nil)
	require.NotNil(t, err)
	assert.Equal(t, cloudbatch.ErrCodeProcessing, err.Code())
}

func TestFooArgs(t *testing.T) {
	args, err := FooArgs(&Foo{First: "a", Second: "b", Third: "c", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c", "m"}, args)

	_, err = FooArgs(Foo{})
	assert.Error(t, err)
}

type memTx struct {
	rows []*Foo
}

type memTable struct {
	rows []*Foo
}

func (m *memTable) BeginTx(ctx context.Context) (interface{}, cloudbatch.BatchError) {
	return &memTx{}, nil
}

func (m *memTable) Commit(tx interface{}) cloudbatch.BatchError {
	m.rows = append(m.rows, tx.(*memTx).rows...)
	return nil
}

func (m *memTable) Rollback(tx interface{}) cloudbatch.BatchError {
	return nil
}

func (m *memTable) Write(items []interface{}, chunkCtx *cloudbatch.ChunkContext) cloudbatch.BatchError {
	tx := chunkCtx.Tx.(*memTx)
	for _, item := range items {
		tx.rows = append(tx.rows, item.(*Foo))
	}
	return nil
}

func TestNewLoadStep(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "foo.csv")
	require.NoError(t, os.WriteFile(input, []byte("a,b,c\nd,e,f\n"), 0o644))
	ctx := context.Background()
	repo := cloudbatch.NewMemoryJobRepository()
	storages := file.NewRegistry(file.FTPFileSystem{})

	job := &cloudbatch.JobExecution{JobName: "s3jdbc", JobStatus: status.STARTED, JobContext: cloudbatch.NewJobExecutionContext()}
	require.Nil(t, repo.SaveJobExecution(ctx, job))
	stepCtx := cloudbatch.NewBatchContext()
	stepCtx.Put(cloudbatch.PartitionResourceKey, input)
	execution := &cloudbatch.StepExecution{
		StepName:             "partition0",
		JobExecutionId:       job.JobExecutionId,
		JobName:              job.JobName,
		StepStatus:           status.STARTING,
		StepContext:          stepCtx,
		StepExecutionContext: cloudbatch.NewBatchContext(),
	}
	require.Nil(t, repo.SaveStepExecution(ctx, execution))

	table := &memTable{}
	step := NewLoadStep(LoadStepOptions{
		Repository: repo,
		Stager:     cloudbatch.NewResourceStager(storages, t.TempDir()),
		TxManager:  table,
		Writer:     table,
	})
	assert.Equal(t, WorkerStepName, step.Name())
	require.Nil(t, step.Exec(ctx, execution))

	assert.Equal(t, status.COMPLETED, execution.StepStatus)
	require.Len(t, table.rows, 2)
	assert.Equal(t, "processed: a|b|c", table.rows[0].Message)
	assert.Equal(t, "processed: d|e|f", table.rows[1].Message)
}
