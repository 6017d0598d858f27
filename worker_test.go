package cloudbatch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/chararch/cloudbatch/status"
)

func payloadOf(job *JobExecution, se *StepExecution) *StartupPayload {
	uri, _ := se.StepContext.GetString(PartitionResourceKey)
	return &StartupPayload{
		Version:         StartupPayloadVersion,
		JobName:         job.JobName,
		JobExecutionId:  job.JobExecutionId,
		StepExecutionId: se.StepExecutionId,
		StepName:        se.StepName,
		WorkerStep:      "workerStep",
		Resource:        uri,
	}
}

func TestStepExecutionHandler_Handle(t *testing.T) {
	env := newTestEnv(t, map[string]string{"in.csv": csvLines("a", 3)})
	job, se := newPartitionRun(t, env.repo, filepath.Join(env.dir, "in.csv"))
	handler := NewStepExecutionHandler(env.repo, env.step())
	ctx := context.Background()

	assert.Equal(t, nil, handler.Handle(ctx, payloadOf(job, se)))
	stored, _ := env.repo.FindStepExecution(ctx, se.StepExecutionId)
	assert.Equal(t, status.COMPLETED, stored.StepStatus)
	assert.Equal(t, int64(3), stored.WriteCount)
	state, _ := stored.StepExecutionContext.GetString(PipelineStateKey)
	assert.Equal(t, string(StateCompleted), state)
	assert.T(t, stored.StepExecutionContext.Exists(LocalFileKey))

	err := handler.Handle(ctx, payloadOf(job, se))
	assert.Equal(t, ErrCodeIllegalState, err.Code())
	assert.Equal(t, 3, env.sink.rowCount())
}

func TestStepExecutionHandler_Rejects(t *testing.T) {
	env := newTestEnv(t, map[string]string{"in.csv": csvLines("a", 3)})
	job, se := newPartitionRun(t, env.repo, filepath.Join(env.dir, "in.csv"))
	handler := NewStepExecutionHandler(env.repo, env.step())
	ctx := context.Background()

	wrongStep := payloadOf(job, se)
	wrongStep.StepName = "partition9"
	assert.Equal(t, ErrCodeIllegalState, handler.Handle(ctx, wrongStep).Code())

	unknownWorker := payloadOf(job, se)
	unknownWorker.WorkerStep = "other"
	assert.Equal(t, ErrCodeNotFound, handler.Handle(ctx, unknownWorker).Code())

	missing := payloadOf(job, se)
	missing.StepExecutionId = 999
	assert.Equal(t, ErrCodeNotFound, handler.Handle(ctx, missing).Code())

	stored, _ := env.repo.FindStepExecution(ctx, se.StepExecutionId)
	assert.Equal(t, status.STARTING, stored.StepStatus)
}

func TestStepExecutionHandler_JobStopping(t *testing.T) {
	env := newTestEnv(t, map[string]string{"in.csv": csvLines("a", 3)})
	job, se := newPartitionRun(t, env.repo, filepath.Join(env.dir, "in.csv"))
	job.JobStatus = status.STOPPING
	ctx := context.Background()
	assert.Equal(t, nil, env.repo.SaveJobExecution(ctx, job))

	handler := NewStepExecutionHandler(env.repo, env.step())
	assert.Equal(t, nil, handler.Handle(ctx, payloadOf(job, se)))
	stored, _ := env.repo.FindStepExecution(ctx, se.StepExecutionId)
	assert.Equal(t, status.STOPPED, stored.StepStatus)
	assert.Equal(t, 0, env.sink.rowCount())
}

func TestStepExecutionHandler_WorkerFunc(t *testing.T) {
	env := newTestEnv(t, map[string]string{"in.csv": csvLines("a", 3)})
	job, se := newPartitionRun(t, env.repo, filepath.Join(env.dir, "in.csv"))
	payload := payloadOf(job, se)
	payload.WorkerStep = ""
	vars, _ := payload.Env()
	worker := NewStepExecutionHandler(env.repo, env.step()).WorkerFunc()
	ctx := context.Background()

	assert.NotEqual(t, nil, worker(ctx, payload.Args(), nil))
	assert.Equal(t, nil, worker(ctx, payload.Args(), vars))
	stored, _ := env.repo.FindStepExecution(ctx, se.StepExecutionId)
	assert.Equal(t, status.COMPLETED, stored.StepStatus)
}
