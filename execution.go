package cloudbatch

import (
	"time"

	"github.com/chararch/cloudbatch/status"
)

//JobPhase coarse lifecycle of a job execution
type JobPhase string

const (
	PhaseCreated  JobPhase = "CREATED"
	PhaseMaster   JobPhase = "MASTER"
	PhaseWorkers  JobPhase = "WORKERS"
	PhaseFinished JobPhase = "FINISHED"
)

//StatusTransition one recorded status change
type StatusTransition struct {
	From status.BatchStatus `json:"from"`
	To   status.BatchStatus `json:"to"`
	At   time.Time          `json:"at"`
}

type JobExecution struct {
	JobExecutionId int64
	JobInstanceId  int64
	JobName        string
	JobParams      map[string]interface{}
	JobStatus      status.BatchStatus
	Phase          JobPhase
	StepExecutions []*StepExecution
	JobContext     *JobExecutionContext
	CreateTime     time.Time
	StartTime      time.Time
	EndTime        time.Time
	FailError      error
	ExitMessage    string
	LastUpdated    time.Time
	Version        int64
}

func newJobExecution(jobName string, jobInstanceId int64, params map[string]interface{}) *JobExecution {
	return &JobExecution{
		JobInstanceId: jobInstanceId,
		JobName:       jobName,
		JobParams:     params,
		JobStatus:     status.STARTING,
		Phase:         PhaseCreated,
		JobContext:    NewJobExecutionContext(),
		CreateTime:    time.Now(),
	}
}

func (e *JobExecution) AddStepExecution(execution *StepExecution) {
	e.StepExecutions = append(e.StepExecutions, execution)
}

//StepExecution find the step execution of stepName
func (e *JobExecution) StepExecution(stepName string) *StepExecution {
	for _, se := range e.StepExecutions {
		if se.StepName == stepName {
			return se
		}
	}
	return nil
}

func (e *JobExecution) start() {
	e.StartTime = time.Now()
	e.JobStatus = status.STARTED
}

func (e *JobExecution) finish(st status.BatchStatus, err error) {
	e.JobStatus = st
	e.Phase = PhaseFinished
	e.EndTime = time.Now()
	if err != nil {
		e.FailError = err
		e.ExitMessage = errorMessage(err)
	}
}

func (e *JobExecution) clone() *JobExecution {
	result := *e
	if e.JobContext != nil {
		result.JobContext = e.JobContext.deepCopy()
	}
	if e.JobParams != nil {
		result.JobParams = make(map[string]interface{}, len(e.JobParams))
		for k, v := range e.JobParams {
			result.JobParams[k] = v
		}
	}
	result.StepExecutions = nil
	for _, se := range e.StepExecutions {
		result.StepExecutions = append(result.StepExecutions, se.clone())
	}
	return &result
}

type StepExecution struct {
	StepExecutionId int64
	StepName        string
	JobExecutionId  int64
	JobName         string
	StepStatus      status.BatchStatus
	//StepContext inputs of the step, e.g. the partition's fileName
	StepContext *BatchContext
	//StepExecutionContext state produced while running, e.g. localFile. It is the step scope of jobContext.
	StepExecutionContext *BatchContext
	Transitions          []StatusTransition
	CreateTime           time.Time
	StartTime            time.Time
	EndTime              time.Time
	ReadCount            int64
	WriteCount           int64
	CommitCount          int64
	FilterCount          int64
	SkipCount            int64
	RollbackCount        int64
	FailError            error
	ExitMessage          string
	LastUpdated          time.Time
	Version              int64
	jobContext           *JobExecutionContext
}

func newStepExecution(jobExecution *JobExecution, stepName string, stepContext *BatchContext) *StepExecution {
	if stepContext == nil {
		stepContext = NewBatchContext()
	}
	execution := &StepExecution{
		StepName:             stepName,
		JobExecutionId:       jobExecution.JobExecutionId,
		JobName:              jobExecution.JobName,
		StepStatus:           status.STARTING,
		StepContext:          stepContext,
		StepExecutionContext: NewBatchContext(),
		CreateTime:           time.Now(),
	}
	if jobExecution.JobContext != nil {
		jobExecution.JobContext.Bind(execution)
	}
	return execution
}

//JobContext the job execution context the step runs in, nil until bound
func (execution *StepExecution) JobContext() *JobExecutionContext {
	return execution.jobContext
}

func (execution *StepExecution) putStep(key string, value interface{}) BatchError {
	if execution.jobContext == nil {
		NewJobExecutionContext().Bind(execution)
	}
	return execution.jobContext.Put(StepScope(execution.StepName), key, value)
}

func (execution *StepExecution) stepString(key string) (string, BatchError) {
	if execution.jobContext == nil {
		NewJobExecutionContext().Bind(execution)
	}
	return execution.jobContext.GetString(StepScope(execution.StepName), key)
}

//adopt take over stored, keeping the job context binding
func (execution *StepExecution) adopt(stored *StepExecution) {
	jobContext := execution.jobContext
	*execution = *stored
	if jobContext != nil {
		jobContext.Bind(execution)
	}
}

//transition move to st, refused once a terminal status is reached
func (execution *StepExecution) transition(st status.BatchStatus) bool {
	if execution.StepStatus.IsTerminal() {
		return false
	}
	if execution.StepStatus == st {
		return true
	}
	execution.Transitions = append(execution.Transitions, StatusTransition{From: execution.StepStatus, To: st, At: time.Now()})
	execution.StepStatus = st
	return true
}

func (execution *StepExecution) start() {
	if execution.transition(status.STARTED) {
		execution.StartTime = time.Now()
	}
}

func (execution *StepExecution) finish(err error) {
	if err != nil {
		execution.finishWith(status.FAILED, err)
	} else {
		execution.finishWith(status.COMPLETED, nil)
	}
}

func (execution *StepExecution) finishWith(st status.BatchStatus, err error) {
	if !execution.transition(st) {
		return
	}
	execution.EndTime = time.Now()
	if err != nil {
		execution.FailError = err
		execution.ExitMessage = errorMessage(err)
	}
}

func (execution *StepExecution) clone() *StepExecution {
	result := *execution
	result.StepContext = execution.StepContext.DeepCopy()
	result.StepExecutionContext = execution.StepExecutionContext.DeepCopy()
	result.Transitions = append([]StatusTransition(nil), execution.Transitions...)
	result.jobContext = nil
	return &result
}
