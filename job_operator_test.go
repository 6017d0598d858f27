package cloudbatch

import (
	"context"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/chararch/cloudbatch/status"
)

func TestJobOperator_Start(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.csv": csvLines("a", 2), "b.csv": csvLines("b", 3)})
	op := NewJobOperator(env.repo, 1)
	defer op.Release()
	job := env.build(t)
	assert.Equal(t, nil, op.Register(job))
	assert.NotEqual(t, nil, op.Register(job))
	ctx := context.Background()

	execution, err := op.Start(ctx, "s3jdbc", `{"date":"2026-10-17"}`)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.COMPLETED, execution.JobStatus)
	assert.Equal(t, "2026-10-17", execution.JobParams["date"])

	stored, err := op.JobExecution(ctx, execution.JobExecutionId)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.COMPLETED, stored.JobStatus)
	assert.Equal(t, 3, len(stored.StepExecutions))
	assert.Equal(t, MasterStepName, stored.StepExecutions[0].StepName)

	steps, err := op.StepExecutions(ctx, execution.JobExecutionId)
	assert.Equal(t, nil, err)
	assert.Equal(t, []status.BatchStatus{status.COMPLETED, status.COMPLETED, status.COMPLETED}, statusesOf(steps))

	_, err = op.Start(ctx, "s3jdbc", `{broken`)
	assert.NotEqual(t, nil, err)
	op.Unregister("s3jdbc")
	_, err = op.Start(ctx, "s3jdbc", "")
	assert.NotEqual(t, nil, err)
	_, err = op.StartAsync(ctx, "s3jdbc", "")
	assert.NotEqual(t, nil, err)
}

func TestJobOperator_StopUnregistered(t *testing.T) {
	repo := NewMemoryJobRepository()
	op := NewJobOperator(repo, 1)
	defer op.Release()
	ctx := context.Background()

	execution := newJobExecution("elsewhere", 1, nil)
	execution.start()
	assert.Equal(t, nil, repo.SaveJobExecution(ctx, execution))
	assert.Equal(t, nil, op.Stop(ctx, execution.JobExecutionId))
	stored, _ := repo.FindJobExecution(ctx, execution.JobExecutionId)
	assert.Equal(t, status.STOPPING, stored.JobStatus)
	assert.NotEqual(t, nil, op.Stop(ctx, execution.JobExecutionId))

	_, err := op.JobExecution(ctx, 404)
	assert.NotEqual(t, nil, err)
}
