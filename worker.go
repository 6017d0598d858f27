package cloudbatch

import (
	"context"
	"fmt"

	"github.com/chararch/cloudbatch/internal/logs"
	"github.com/chararch/cloudbatch/status"
)

//StepExecutionHandler worker side entry: loads the StepExecution named by a startup payload and runs the worker step on it
type StepExecutionHandler struct {
	repository JobRepository
	steps      map[string]Step
}

//NewStepExecutionHandler handler running steps, selected by StartupPayload.WorkerStep
func NewStepExecutionHandler(repository JobRepository, steps ...Step) *StepExecutionHandler {
	h := &StepExecutionHandler{repository: repository, steps: make(map[string]Step, len(steps))}
	for _, s := range steps {
		h.steps[s.Name()] = s
	}
	return h
}

func (h *StepExecutionHandler) step(name string) (Step, BatchError) {
	if s, ok := h.steps[name]; ok {
		return s, nil
	}
	if name == "" && len(h.steps) == 1 {
		for _, s := range h.steps {
			return s, nil
		}
	}
	return nil, NewBatchError(ErrCodeNotFound, "no worker step named:%v", name)
}

func (h *StepExecutionHandler) Handle(ctx context.Context, payload *StartupPayload) BatchError {
	ctx = logs.WithTraceId(ctx, fmt.Sprintf("%v-%v", payload.JobExecutionId, payload.StepName))
	step, err := h.step(payload.WorkerStep)
	if err != nil {
		return err
	}
	execution, err := h.repository.FindStepExecution(ctx, payload.StepExecutionId)
	if err != nil {
		logger.Error(ctx, "find step execution failed, stepExecutionId:%v, err:%v", payload.StepExecutionId, err)
		return err
	}
	if execution.JobExecutionId != payload.JobExecutionId || execution.StepName != payload.StepName {
		return NewBatchError(ErrCodeIllegalState, "step execution:%v belongs to job execution:%v step:%v, not %v/%v", execution.StepExecutionId, execution.JobExecutionId, execution.StepName, payload.JobExecutionId, payload.StepName)
	}
	if execution.StepStatus != status.STARTING {
		return NewBatchError(ErrCodeIllegalState, "step execution:%v is %v, it can only be run once", execution.StepExecutionId, execution.StepStatus)
	}
	if stop, e := checkJobStopping(ctx, h.repository, execution.JobExecutionId); e != nil {
		return e
	} else if stop {
		logger.Info(ctx, "job is stopping, step is not started, jobExecutionId:%v, stepName:%v", execution.JobExecutionId, execution.StepName)
		execution.finishWith(status.STOPPED, StopError)
		return h.repository.SaveStepExecution(ctx, execution)
	}
	jobExecution, err := h.repository.FindJobExecution(ctx, execution.JobExecutionId)
	if err != nil {
		logger.Error(ctx, "find job execution failed, jobExecutionId:%v, err:%v", execution.JobExecutionId, err)
		return err
	}
	jobExecution.JobContext.Bind(execution)
	if !execution.StepContext.Exists(PartitionResourceKey) && payload.Resource != "" {
		execution.StepContext.Put(PartitionResourceKey, payload.Resource)
	}
	resources, _ := jobExecution.JobContext.Job().GetStringSlice(JobResourcesKey)
	logger.Info(ctx, "worker assigned, jobExecutionId:%v, stepName:%v, resource:%v, jobResources:%v", execution.JobExecutionId, execution.StepName, payload.Resource, len(resources))
	return step.Exec(ctx, execution)
}

//WorkerFunc adapts the handler to in process launching
func (h *StepExecutionHandler) WorkerFunc() WorkerFunc {
	return func(ctx context.Context, args []string, env map[string]string) error {
		flags, err := ParseWorkerFlags(args)
		if err != nil {
			return err
		}
		payload, err := ParseStartupPayload(flags, env)
		if err != nil {
			return err
		}
		if err = h.Handle(ctx, payload); err != nil {
			return err
		}
		return nil
	}
}
