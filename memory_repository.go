package cloudbatch

import (
	"context"
	"sort"
	"sync"
	"time"
)

//MemoryJobRepository JobRepository kept in process memory, for local launchers and tests.
//Executions are copied on every save and find, callers never share state through it.
type MemoryJobRepository struct {
	mu             sync.RWMutex
	seq            int64
	instances      map[string]*JobInstance
	jobExecutions  map[int64]*JobExecution
	stepExecutions map[int64]*StepExecution
}

//NewMemoryJobRepository empty repository
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		instances:      make(map[string]*JobInstance),
		jobExecutions:  make(map[int64]*JobExecution),
		stepExecutions: make(map[int64]*StepExecution),
	}
}

func (r *MemoryJobRepository) nextId() int64 {
	r.seq++
	return r.seq
}

func (r *MemoryJobRepository) FindOrCreateJobInstance(ctx context.Context, jobName string, params map[string]interface{}) (*JobInstance, BatchError) {
	key, str, be := jobKey(params)
	if be != nil {
		return nil, be
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[jobName+"/"+key]; ok {
		cp := *inst
		return &cp, nil
	}
	inst := &JobInstance{JobInstanceId: r.nextId(), JobName: jobName, JobKey: key, JobParams: str, CreateTime: time.Now()}
	r.instances[jobName+"/"+key] = inst
	cp := *inst
	return &cp, nil
}

func (r *MemoryJobRepository) SaveJobExecution(ctx context.Context, execution *JobExecution) BatchError {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if execution.JobExecutionId == 0 {
		execution.JobExecutionId = r.nextId()
		execution.Version = 1
		execution.LastUpdated = now
		r.jobExecutions[execution.JobExecutionId] = execution.clone()
		return nil
	}
	stored, ok := r.jobExecutions[execution.JobExecutionId]
	if !ok {
		return NewBatchError(ErrCodeNotFound, "job execution not found, jobExecutionId:%v", execution.JobExecutionId)
	}
	if stored.Version != execution.Version {
		return NewBatchError(ErrCodeConcurrency, "job execution modified concurrently, jobExecutionId:%v, version:%v", execution.JobExecutionId, execution.Version)
	}
	execution.Version++
	execution.LastUpdated = now
	r.jobExecutions[execution.JobExecutionId] = execution.clone()
	return nil
}

func (r *MemoryJobRepository) FindJobExecution(ctx context.Context, jobExecutionId int64) (*JobExecution, BatchError) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.jobExecutions[jobExecutionId]
	if !ok {
		return nil, NewBatchError(ErrCodeNotFound, "job execution not found, jobExecutionId:%v", jobExecutionId)
	}
	result := stored.clone()
	result.StepExecutions = nil
	return result, nil
}

func (r *MemoryJobRepository) SaveStepExecution(ctx context.Context, execution *StepExecution) BatchError {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if execution.StepExecutionId == 0 {
		execution.StepExecutionId = r.nextId()
		execution.Version = 1
		execution.LastUpdated = now
		r.stepExecutions[execution.StepExecutionId] = execution.clone()
		return nil
	}
	stored, ok := r.stepExecutions[execution.StepExecutionId]
	if !ok {
		return NewBatchError(ErrCodeNotFound, "step execution not found, stepExecutionId:%v", execution.StepExecutionId)
	}
	if stored.StepStatus.IsTerminal() {
		return NewBatchError(ErrCodeConcurrency, "step execution already finished as %v, stepExecutionId:%v", stored.StepStatus, execution.StepExecutionId)
	}
	if stored.Version != execution.Version {
		return NewBatchError(ErrCodeConcurrency, "step execution modified concurrently, stepExecutionId:%v, version:%v", execution.StepExecutionId, execution.Version)
	}
	execution.Version++
	execution.LastUpdated = now
	r.stepExecutions[execution.StepExecutionId] = execution.clone()
	return nil
}

func (r *MemoryJobRepository) FindStepExecution(ctx context.Context, stepExecutionId int64) (*StepExecution, BatchError) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.stepExecutions[stepExecutionId]
	if !ok {
		return nil, NewBatchError(ErrCodeNotFound, "step execution not found, stepExecutionId:%v", stepExecutionId)
	}
	return stored.clone(), nil
}

func (r *MemoryJobRepository) FindStepExecutions(ctx context.Context, jobExecutionId int64) ([]*StepExecution, BatchError) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make([]*StepExecution, 0)
	for _, se := range r.stepExecutions {
		if se.JobExecutionId == jobExecutionId {
			results = append(results, se.clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].StepExecutionId < results[j].StepExecutionId
	})
	return results, nil
}
