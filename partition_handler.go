package cloudbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/chararch/cloudbatch/internal/metrics"
	"github.com/chararch/cloudbatch/status"
)

//PartitionHandler runs the partitions of a job and reports the final StepExecution of each one
type PartitionHandler interface {
	Handle(ctx context.Context, jobExecution *JobExecution, partitions []*Partition) ([]*StepExecution, BatchError)
}

//DeployerPartitionHandler launches one worker task per partition, never more than maxWorkers at a time,
//and follows them by polling the shared JobRepository.
type DeployerPartitionHandler struct {
	launcher     TaskLauncher
	repository   JobRepository
	app          string
	workerStep   string
	maxWorkers   int
	pollInterval time.Duration
	timeout      time.Duration
	stopTimeout  time.Duration
	failFast     bool
	workerArgs   []string
	workerEnv    map[string]string
	metrics      *metrics.Collector
}

type partitionWorker struct {
	partition *Partition
	execution *StepExecution
	handle    TaskHandle
}

//NewPartitionHandler handler launching workers through launcher
func NewPartitionHandler(launcher TaskLauncher, repository JobRepository) *DeployerPartitionHandler {
	return &DeployerPartitionHandler{
		launcher:     launcher,
		repository:   repository,
		maxWorkers:   DefaultMaxWorkers,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultJobTimeout,
		stopTimeout:  DefaultStopTimeout,
	}
}

//App worker application handed to the launcher
func (h *DeployerPartitionHandler) App(app string) *DeployerPartitionHandler {
	h.app = app
	return h
}

//WorkerStep name of the step the workers run
func (h *DeployerPartitionHandler) WorkerStep(name string) *DeployerPartitionHandler {
	h.workerStep = name
	return h
}

func (h *DeployerPartitionHandler) MaxWorkers(n int) *DeployerPartitionHandler {
	if n < 1 {
		panic(fmt.Sprintf("max workers must be at least 1, got %v", n))
	}
	h.maxWorkers = n
	return h
}

func (h *DeployerPartitionHandler) PollInterval(d time.Duration) *DeployerPartitionHandler {
	if d <= 0 {
		panic(fmt.Sprintf("poll interval must be positive, got %v", d))
	}
	h.pollInterval = d
	return h
}

//Timeout bound on the whole partition phase, 0 waits forever
func (h *DeployerPartitionHandler) Timeout(d time.Duration) *DeployerPartitionHandler {
	h.timeout = d
	return h
}

//StopTimeout how long cancelled workers are awaited before their steps are closed by the master
func (h *DeployerPartitionHandler) StopTimeout(d time.Duration) *DeployerPartitionHandler {
	h.stopTimeout = d
	return h
}

//FailFast launch no further partition once one has failed
func (h *DeployerPartitionHandler) FailFast(failFast bool) *DeployerPartitionHandler {
	h.failFast = failFast
	return h
}

//WorkerArgs extra arguments appended to every worker command line
func (h *DeployerPartitionHandler) WorkerArgs(args ...string) *DeployerPartitionHandler {
	h.workerArgs = append(h.workerArgs, args...)
	return h
}

//WorkerEnv extra environment of every worker
func (h *DeployerPartitionHandler) WorkerEnv(env map[string]string) *DeployerPartitionHandler {
	h.workerEnv = env
	return h
}

func (h *DeployerPartitionHandler) Metrics(collector *metrics.Collector) *DeployerPartitionHandler {
	h.metrics = collector
	return h
}

func (h *DeployerPartitionHandler) Handle(ctx context.Context, jobExecution *JobExecution, partitions []*Partition) ([]*StepExecution, BatchError) {
	if len(partitions) == 0 {
		return nil, NewBatchError(ErrCodePartition, "no partitions to handle, jobExecutionId:%v", jobExecution.JobExecutionId)
	}
	//repository calls outlive ctx so that cancelled runs still record their outcome
	repoCtx := context.WithoutCancel(ctx)
	jobResources, _ := jobExecution.JobContext.Job().GetStringSlice(JobResourcesKey)

	workers := make([]*partitionWorker, 0, len(partitions))
	for _, p := range partitions {
		se := newStepExecution(jobExecution, p.Name, p.Context())
		if err := h.repository.SaveStepExecution(repoCtx, se); err != nil {
			logger.Error(ctx, "save step execution of partition failed, jobExecutionId:%v, stepName:%v, err:%v", jobExecution.JobExecutionId, p.Name, err)
			return nil, err
		}
		workers = append(workers, &partitionWorker{partition: p, execution: se})
	}
	results := func() []*StepExecution {
		r := make([]*StepExecution, 0, len(workers))
		for _, w := range workers {
			r = append(r, w.execution)
		}
		return r
	}

	pending := append([]*partitionWorker(nil), workers...)
	running := make(map[int64]*partitionWorker, h.maxWorkers)
	var deadline <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	launched, failed := 0, false
	for {
		if ctx.Err() != nil {
			logger.Warn(ctx, "partition handling cancelled, jobExecutionId:%v, running:%v, pending:%v", jobExecution.JobExecutionId, len(running), len(pending))
			h.abort(ctx, repoCtx, running, pending, status.STOPPED, StopError)
			return results(), StopError
		}
		for len(running) < h.maxWorkers && len(pending) > 0 && !(h.failFast && failed) {
			w := pending[0]
			pending = pending[1:]
			if err := h.launch(ctx, repoCtx, jobExecution, w, jobResources); err != nil {
				failed = true
				continue
			}
			running[w.execution.StepExecutionId] = w
			launched++
		}
		if h.failFast && failed && len(pending) > 0 {
			logger.Warn(ctx, "partition failed, remaining partitions are not launched, jobExecutionId:%v, remaining:%v", jobExecution.JobExecutionId, len(pending))
			for _, w := range pending {
				h.closeStep(repoCtx, w, status.STOPPED, NewBatchError(ErrCodeStop, "partition not launched after an earlier partition failed"))
			}
			pending = nil
		}
		if len(running) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			continue
		case <-deadline:
			err := NewBatchError(ErrCodeTimeout, "partitions did not finish within %v", h.timeout)
			logger.Error(ctx, "partition handling timed out, jobExecutionId:%v, running:%v, pending:%v", jobExecution.JobExecutionId, len(running), len(pending))
			//recorded before the cancel, a worker only learns it is being stopped, not why
			for _, w := range running {
				h.closeStep(repoCtx, w, status.FAILED, err)
			}
			h.abort(ctx, repoCtx, running, pending, status.FAILED, err)
			return results(), err
		case <-ticker.C:
			if stop, _ := checkJobStopping(repoCtx, h.repository, jobExecution.JobExecutionId); stop {
				logger.Warn(ctx, "job stop requested, jobExecutionId:%v, running:%v, pending:%v", jobExecution.JobExecutionId, len(running), len(pending))
				h.abort(ctx, repoCtx, running, pending, status.STOPPED, StopError)
				return results(), StopError
			}
			for id, w := range running {
				if !h.poll(ctx, repoCtx, w) {
					continue
				}
				delete(running, id)
				if w.execution.StepStatus != status.COMPLETED {
					failed = true
				}
			}
		}
	}
	if launched == 0 {
		return results(), NewBatchError(ErrCodeLaunch, "no worker could be launched, jobExecutionId:%v", jobExecution.JobExecutionId)
	}
	return results(), nil
}

func (h *DeployerPartitionHandler) launch(ctx, repoCtx context.Context, jobExecution *JobExecution, w *partitionWorker, jobResources []string) BatchError {
	payload := &StartupPayload{
		Version:         StartupPayloadVersion,
		JobName:         jobExecution.JobName,
		JobExecutionId:  jobExecution.JobExecutionId,
		StepExecutionId: w.execution.StepExecutionId,
		StepName:        w.execution.StepName,
		WorkerStep:      h.workerStep,
		Resource:        w.partition.Resource(),
		JobResources:    jobResources,
		Context:         contextMap(w.partition.Context()),
	}
	env, err := payload.Env()
	if err == nil {
		for k, v := range h.workerEnv {
			if _, ok := env[k]; !ok {
				env[k] = v
			}
		}
		request := LaunchRequest{
			App:  h.app,
			Name: fmt.Sprintf("%s-%s", jobExecution.JobName, w.execution.StepName),
			Args: append(payload.Args(), h.workerArgs...),
			Env:  env,
		}
		w.handle, err = h.launcher.Launch(ctx, request)
	}
	if err != nil {
		logger.Error(ctx, "launch worker failed, jobExecutionId:%v, stepName:%v, err:%v", jobExecution.JobExecutionId, w.execution.StepName, err)
		h.metrics.LaunchFailed()
		if err.Code() != ErrCodeLaunch {
			err = NewBatchError(ErrCodeLaunch, "launch worker of partition:%v failed", w.execution.StepName, err)
		}
		h.closeStep(repoCtx, w, status.FAILED, err)
		return err
	}
	h.metrics.PartitionLaunched()
	logger.Info(ctx, "partition launched, jobExecutionId:%v, stepName:%v, resource:%v, taskId:%v", jobExecution.JobExecutionId, w.execution.StepName, payload.Resource, w.handle.ID())
	return nil
}

//poll refresh w from the repository, true once the partition is over and its task has exited
func (h *DeployerPartitionHandler) poll(ctx, repoCtx context.Context, w *partitionWorker) bool {
	fresh, err := h.repository.FindStepExecution(repoCtx, w.execution.StepExecutionId)
	if err != nil {
		logger.Warn(ctx, "poll step execution failed, stepExecutionId:%v, stepName:%v, err:%v", w.execution.StepExecutionId, w.execution.StepName, err)
		return false
	}
	w.execution = fresh
	select {
	case <-w.handle.Done():
	default:
		logger.Debug(ctx, "partition running, stepName:%v, status:%v, readCount:%v, writeCount:%v", fresh.StepName, fresh.StepStatus, fresh.ReadCount, fresh.WriteCount)
		return false
	}
	if fresh.StepStatus.IsTerminal() {
		h.finished(ctx, w)
		return true
	}
	//the worker is gone; it may have saved its result just before exiting
	h.closeStep(repoCtx, w, status.FAILED, NewBatchError(ErrCodeLaunch, "worker task:%v exited abnormally, exitCode:%v, taskStatus:%v", w.handle.Name(), w.handle.ExitCode(), w.handle.Status()))
	h.finished(ctx, w)
	return true
}

func (h *DeployerPartitionHandler) finished(ctx context.Context, w *partitionWorker) {
	h.metrics.PartitionFinished(string(w.execution.StepStatus))
	logger.Info(ctx, "partition finished, jobExecutionId:%v, stepName:%v, status:%v, readCount:%v, writeCount:%v, skipCount:%v", w.execution.JobExecutionId, w.execution.StepName, w.execution.StepStatus, w.execution.ReadCount, w.execution.WriteCount, w.execution.SkipCount)
}

//abort cancel running workers, give them stopTimeout to record their own status, then close every open step with st
func (h *DeployerPartitionHandler) abort(ctx, repoCtx context.Context, running map[int64]*partitionWorker, pending []*partitionWorker, st status.BatchStatus, cause BatchError) {
	for _, w := range running {
		w.handle.Cancel(cause)
	}
	timer := time.NewTimer(h.stopTimeout)
	defer timer.Stop()
wait:
	for _, w := range running {
		select {
		case <-w.handle.Done():
		case <-timer.C:
			logger.Warn(ctx, "workers did not exit within %v, jobExecutionId:%v", h.stopTimeout, w.execution.JobExecutionId)
			break wait
		}
	}
	for _, w := range running {
		h.closeStep(repoCtx, w, st, cause)
		h.finished(ctx, w)
	}
	for _, w := range pending {
		h.closeStep(repoCtx, w, st, cause)
	}
}

//closeStep move the stored step execution of w to st unless it is already terminal
func (h *DeployerPartitionHandler) closeStep(ctx context.Context, w *partitionWorker, st status.BatchStatus, cause BatchError) {
	for i := 0; i < 3; i++ {
		fresh, err := h.repository.FindStepExecution(ctx, w.execution.StepExecutionId)
		if err != nil {
			logger.Error(ctx, "find step execution failed, stepExecutionId:%v, err:%v", w.execution.StepExecutionId, err)
			fresh = w.execution
		}
		if fresh.StepStatus.IsTerminal() {
			w.execution = fresh
			return
		}
		fresh.finishWith(st, cause)
		err = h.repository.SaveStepExecution(ctx, fresh)
		if err == nil {
			w.execution = fresh
			return
		}
		if err.Code() != ErrCodeConcurrency {
			logger.Error(ctx, "save step execution failed, stepExecutionId:%v, stepName:%v, err:%v", fresh.StepExecutionId, fresh.StepName, err)
			w.execution = fresh
			return
		}
	}
	logger.Error(ctx, "step execution kept changing, give up closing it, stepExecutionId:%v", w.execution.StepExecutionId)
}

//contextMap flat key/values of ctx
func contextMap(ctx *BatchContext) map[string]interface{} {
	m := make(map[string]interface{}, ctx.Len())
	for _, k := range ctx.Keys() {
		m[k] = ctx.Get(k)
	}
	return m
}
