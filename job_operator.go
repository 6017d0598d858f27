package cloudbatch

import (
	"context"
	"sync"

	"github.com/chararch/cloudbatch/status"
	"github.com/chararch/cloudbatch/util"
	"github.com/pkg/errors"
)

//JobOperator starts, stops and inspects registered jobs
type JobOperator struct {
	mu         sync.RWMutex
	jobs       map[string]*JobController
	repository JobRepository
	pool       *taskPool
}

//NewJobOperator operator over repository running at most poolSize jobs asynchronously
func NewJobOperator(repository JobRepository, poolSize int) *JobOperator {
	if poolSize <= 0 {
		poolSize = DefaultJobPoolSize
	}
	return &JobOperator{
		jobs:       make(map[string]*JobController),
		repository: repository,
		pool:       newTaskPool(poolSize),
	}
}

// Register register job to the operator
func (op *JobOperator) Register(job *JobController) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if _, ok := op.jobs[job.Name()]; ok {
		return errors.Errorf("job with name:%v has already been registered", job.Name())
	}
	op.jobs[job.Name()] = job
	return nil
}

// Unregister unregister job from the operator
func (op *JobOperator) Unregister(jobName string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	delete(op.jobs, jobName)
}

func (op *JobOperator) job(jobName string) (*JobController, error) {
	op.mu.RLock()
	defer op.mu.RUnlock()
	job, ok := op.jobs[jobName]
	if !ok {
		return nil, errors.Errorf("can not find job with name:%v", jobName)
	}
	return job, nil
}

// Start run job by job name and JSON params, returning once the job is over
func (op *JobOperator) Start(ctx context.Context, jobName string, params string) (*JobExecution, error) {
	job, err := op.job(jobName)
	if err != nil {
		logger.Error(ctx, "start job failed, err:%v", err)
		return nil, err
	}
	jobParams, err := parseJobParams(params)
	if err != nil {
		logger.Error(ctx, "parse job params error, jobName:%v, params:%v, err:%v", jobName, params, err)
		return nil, err
	}
	execution, be := job.Run(ctx, jobParams)
	if be != nil {
		return nil, be
	}
	return execution, nil
}

// StartAsync start job by job name and JSON params, returning the job execution id at once
func (op *JobOperator) StartAsync(ctx context.Context, jobName string, params string) (int64, error) {
	job, err := op.job(jobName)
	if err != nil {
		logger.Error(ctx, "start job failed, err:%v", err)
		return -1, err
	}
	jobParams, err := parseJobParams(params)
	if err != nil {
		logger.Error(ctx, "parse job params error, jobName:%v, params:%v, err:%v", jobName, params, err)
		return -1, err
	}
	execution, runCtx, be := job.prepare(ctx, jobParams)
	if be != nil {
		return -1, be
	}
	op.pool.Submit(runCtx, func() (interface{}, error) {
		defer job.untrack(execution.JobExecutionId)
		job.exec(runCtx, execution)
		return execution, nil
	})
	logger.Info(ctx, "job started, jobName:%v, jobExecutionId:%v", jobName, execution.JobExecutionId)
	return execution.JobExecutionId, nil
}

func parseJobParams(params string) (map[string]interface{}, error) {
	ret := make(map[string]interface{})
	if err := util.FromJSON(params, &ret); err != nil {
		return nil, errors.Wrapf(err, "job params:%v are not a json object", params)
	}
	return ret, nil
}

// Stop ask the job execution to stop; executions of jobs not registered here are marked STOPPING in the repository
func (op *JobOperator) Stop(ctx context.Context, jobExecutionId int64) error {
	execution, err := op.repository.FindJobExecution(ctx, jobExecutionId)
	if err != nil {
		logger.Error(ctx, "find JobExecution by jobExecutionId error, jobExecutionId:%v, err:%v", jobExecutionId, err)
		return err
	}
	if job, e := op.job(execution.JobName); e == nil {
		if be := job.Stop(ctx, jobExecutionId); be != nil {
			return be
		}
		return nil
	}
	if !util.In(execution.JobStatus, status.STARTING, status.STARTED) {
		return errors.Errorf("there is no running job execution with id:%v to stop, status:%v", jobExecutionId, execution.JobStatus)
	}
	execution.JobStatus = status.STOPPING
	if be := op.repository.SaveJobExecution(ctx, execution); be != nil {
		return be
	}
	logger.Info(ctx, "job will be stopped, jobName:%v, jobExecutionId:%v", execution.JobName, jobExecutionId)
	return nil
}

// JobExecution the stored job execution with its step executions
func (op *JobOperator) JobExecution(ctx context.Context, jobExecutionId int64) (*JobExecution, error) {
	execution, err := op.repository.FindJobExecution(ctx, jobExecutionId)
	if err != nil {
		return nil, err
	}
	steps, err := op.repository.FindStepExecutions(ctx, jobExecutionId)
	if err != nil {
		return nil, err
	}
	execution.StepExecutions = steps
	return execution, nil
}

// StepExecutions the stored step executions of a job execution, master first
func (op *JobOperator) StepExecutions(ctx context.Context, jobExecutionId int64) ([]*StepExecution, error) {
	steps, err := op.repository.FindStepExecutions(ctx, jobExecutionId)
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// Release stop accepting asynchronous jobs
func (op *JobOperator) Release() {
	op.pool.Release()
}
