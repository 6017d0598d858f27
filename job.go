package cloudbatch

import (
	"context"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/chararch/cloudbatch/internal/logs"
	"github.com/chararch/cloudbatch/internal/metrics"
	"github.com/chararch/cloudbatch/status"
	"github.com/google/uuid"
)

//Job a partitioned job run by a master
type Job interface {
	Name() string
	//Run execute the job to a terminal status; the returned error is only set when no execution could be recorded
	Run(ctx context.Context, params map[string]interface{}) (*JobExecution, BatchError)
	//Stop ask a running execution to stop
	Stop(ctx context.Context, jobExecutionId int64) BatchError
}

//JobController runs the master step (enumerate, partition), hands the partitions to a PartitionHandler
//and aggregates the partitions' results into the job's status
type JobController struct {
	name               string
	resourcePath       string
	enumerator         ResourceEnumerator
	partitioner        Partitioner
	handler            PartitionHandler
	repository         JobRepository
	listeners          []JobListener
	partitionListeners []PartitionListener
	metrics            *metrics.Collector

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

func (job *JobController) Name() string {
	return job.name
}

func (job *JobController) Run(ctx context.Context, params map[string]interface{}) (*JobExecution, BatchError) {
	execution, runCtx, err := job.prepare(ctx, params)
	if err != nil {
		return nil, err
	}
	defer job.untrack(execution.JobExecutionId)
	job.exec(runCtx, execution)
	return execution, nil
}

//prepare record a new execution and the context it runs under
func (job *JobController) prepare(ctx context.Context, params map[string]interface{}) (*JobExecution, context.Context, BatchError) {
	if params == nil {
		params = map[string]interface{}{}
	}
	ctx = logs.WithTraceId(ctx, uuid.NewString())
	instance, err := job.repository.FindOrCreateJobInstance(ctx, job.name, params)
	if err != nil {
		logger.Error(ctx, "find or create job instance failed, jobName:%v, params:%v, err:%v", job.name, params, err)
		return nil, nil, err
	}
	execution := newJobExecution(job.name, instance.JobInstanceId, params)
	if err = job.repository.SaveJobExecution(ctx, execution); err != nil {
		logger.Error(ctx, "save job execution failed, jobName:%v, err:%v", job.name, err)
		return nil, nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	job.track(execution.JobExecutionId, cancel)
	return execution, runCtx, nil
}

func (job *JobController) exec(ctx context.Context, execution *JobExecution) {
	saveCtx := context.WithoutCancel(ctx)
	defer func() {
		if er := recover(); er != nil {
			logger.Error(ctx, "panic in job executing, jobName:%v, jobExecutionId:%v, err:%v, stack:%v", job.name, execution.JobExecutionId, er, string(debug.Stack()))
			execution.finish(status.FAILED, NewBatchError(ErrCodeGeneral, "panic in job execution: %v", er))
		}
		for _, listener := range job.listeners {
			if err := listener.AfterJob(saveCtx, execution); err != nil {
				logger.Error(ctx, "job listener execute err, jobName:%v, jobExecutionId:%v, listener:%v, err:%v", job.name, execution.JobExecutionId, reflect.TypeOf(listener).String(), err)
				execution.finish(status.FAILED, err)
			}
		}
		if err := job.saveJob(saveCtx, execution); err != nil {
			logger.Error(ctx, "save job execution failed, jobName:%v, jobExecutionId:%v, err:%v", job.name, execution.JobExecutionId, err)
		}
		job.metrics.JobFinished(string(execution.JobStatus), execution.EndTime.Sub(execution.StartTime).Seconds())
		logger.Info(ctx, "finish job execution, jobName:%v, jobExecutionId:%v, jobStatus:%v, exitMessage:%v", job.name, execution.JobExecutionId, execution.JobStatus, execution.ExitMessage)
	}()
	logger.Info(ctx, "start running job, jobName:%v, jobExecutionId:%v, params:%v", job.name, execution.JobExecutionId, execution.JobParams)
	execution.start()

	pattern, err := job.resolvePattern(execution)
	if err != nil {
		execution.finish(status.FAILED, err)
		return
	}
	for _, listener := range job.listeners {
		if err = listener.BeforeJob(ctx, execution); err != nil {
			logger.Error(ctx, "job listener execute err, jobName:%v, jobExecutionId:%v, listener:%v, err:%v", job.name, execution.JobExecutionId, reflect.TypeOf(listener).String(), err)
			execution.finish(status.FAILED, err)
			return
		}
	}
	execution.Phase = PhaseMaster
	if err = job.saveJob(saveCtx, execution); err != nil {
		execution.finish(status.FAILED, err)
		return
	}

	partitions, err := job.master(ctx, execution, pattern)
	if err != nil {
		execution.finish(status.FAILED, err)
		return
	}
	execution.JobContext.Seal()
	execution.Phase = PhaseWorkers
	if err = job.saveJob(saveCtx, execution); err != nil {
		execution.finish(status.FAILED, err)
		return
	}

	stepExecutions, handleErr := job.handler.Handle(ctx, execution, partitions)
	statuses := make([]status.BatchStatus, 0, len(stepExecutions))
	var stepErr error
	for _, se := range stepExecutions {
		execution.AddStepExecution(se)
		statuses = append(statuses, se.StepStatus)
		if stepErr == nil && se.StepStatus == status.FAILED {
			stepErr = se.FailError
		}
	}
	jobStatus := status.Aggregate(statuses...)
	switch {
	case handleErr != nil && handleErr.Code() == ErrCodeStop:
		if jobStatus != status.FAILED {
			jobStatus = status.STOPPED
		}
		if stepErr == nil {
			stepErr = handleErr
		}
	case handleErr != nil:
		jobStatus = status.FAILED
		stepErr = handleErr
	}
	if jobStatus == status.COMPLETED {
		stepErr = nil
	}
	execution.finish(jobStatus, stepErr)
}

//master the master step: enumerate the resources and build one partition per resource
func (job *JobController) master(ctx context.Context, execution *JobExecution, pattern string) (partitions []*Partition, err BatchError) {
	saveCtx := context.WithoutCancel(ctx)
	stepExecution := newStepExecution(execution, MasterStepName, NewBatchContext())
	stepExecution.StepContext.Put(JobResourcePathKey, pattern)
	stepExecution.start()
	if err = job.repository.SaveStepExecution(saveCtx, stepExecution); err != nil {
		return nil, err
	}
	execution.AddStepExecution(stepExecution)
	defer func() {
		if err != nil {
			for _, listener := range job.partitionListeners {
				listener.OnError(stepExecution, err)
			}
		}
		stepExecution.finish(err)
		if e := job.repository.SaveStepExecution(saveCtx, stepExecution); e != nil {
			logger.Error(ctx, "save master step execution failed, jobExecutionId:%v, err:%v", execution.JobExecutionId, e)
			if err == nil {
				err = e
			}
		}
	}()

	resources, err := job.enumerator.Enumerate(ctx, pattern)
	if err != nil {
		logger.Error(ctx, "enumerate resources failed, jobExecutionId:%v, pattern:%v, err:%v", execution.JobExecutionId, pattern, err)
		return nil, err
	}
	stepExecution.ReadCount = int64(len(resources))
	logger.Info(ctx, "resources enumerated, jobExecutionId:%v, pattern:%v, count:%v", execution.JobExecutionId, pattern, len(resources))
	for _, listener := range job.partitionListeners {
		if err = listener.BeforePartition(stepExecution, resources); err != nil {
			return nil, err
		}
	}
	partitionMap, err := job.partitioner.Partition(resources)
	if err != nil {
		logger.Error(ctx, "partition resources failed, jobExecutionId:%v, pattern:%v, err:%v", execution.JobExecutionId, pattern, err)
		return nil, err
	}
	partitions = SortPartitions(partitionMap)
	if err = execution.JobContext.Put(JobScope, JobResourcesKey, ResourceURIs(resources)); err != nil {
		return nil, err
	}
	for _, listener := range job.partitionListeners {
		if err = listener.AfterPartition(stepExecution, partitions); err != nil {
			return nil, err
		}
	}
	stepExecution.WriteCount = int64(len(partitions))
	logger.Info(ctx, "partitions built, jobExecutionId:%v, partitions:%v", execution.JobExecutionId, len(partitions))
	return partitions, nil
}

func (job *JobController) resolvePattern(execution *JobExecution) (string, BatchError) {
	rp := &ResourcePath{Pattern: job.resourcePath}
	pattern, err := rp.Format(execution.JobParams, execution.JobContext)
	if err != nil {
		return "", NewBatchError(ErrCodeResolution, "resolve resource path:%v failed", job.resourcePath, err)
	}
	if pattern == "" {
		return "", NewBatchError(ErrCodeResolution, "resource path of job:%v is empty", job.name)
	}
	if be := execution.JobContext.Put(JobScope, JobResourcePathKey, pattern); be != nil {
		return "", be
	}
	return pattern, nil
}

//saveJob save execution, adopting a concurrent stop request instead of failing on it
func (job *JobController) saveJob(ctx context.Context, execution *JobExecution) BatchError {
	for i := 0; i < 3; i++ {
		err := job.repository.SaveJobExecution(ctx, execution)
		if err == nil || err.Code() != ErrCodeConcurrency {
			return err
		}
		stored, e := job.repository.FindJobExecution(ctx, execution.JobExecutionId)
		if e != nil {
			return e
		}
		execution.Version = stored.Version
		if stored.JobStatus == status.STOPPING && !execution.JobStatus.IsTerminal() {
			execution.JobStatus = status.STOPPING
		}
	}
	return ConcurrentError
}

func (job *JobController) Stop(ctx context.Context, jobExecutionId int64) BatchError {
	for i := 0; i < 3; i++ {
		execution, err := job.repository.FindJobExecution(ctx, jobExecutionId)
		if err != nil {
			return err
		}
		if execution.JobStatus.IsTerminal() {
			return NewBatchError(ErrCodeIllegalState, "job execution:%v is already %v", jobExecutionId, execution.JobStatus)
		}
		logger.Info(ctx, "stop job, jobName:%v, jobExecutionId:%v, jobStatus:%v", job.name, jobExecutionId, execution.JobStatus)
		execution.JobStatus = status.STOPPING
		execution.LastUpdated = time.Now()
		err = job.repository.SaveJobExecution(ctx, execution)
		if err != nil && err.Code() == ErrCodeConcurrency {
			continue
		}
		if err != nil {
			return err
		}
		job.mu.Lock()
		cancel := job.running[jobExecutionId]
		job.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	return ConcurrentError
}

func (job *JobController) track(jobExecutionId int64, cancel context.CancelFunc) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.running == nil {
		job.running = make(map[int64]context.CancelFunc)
	}
	job.running[jobExecutionId] = cancel
}

func (job *JobController) untrack(jobExecutionId int64) {
	job.mu.Lock()
	cancel := job.running[jobExecutionId]
	delete(job.running, jobExecutionId)
	job.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
