package cloudbatch

import (
	"context"
	"os"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/chararch/cloudbatch/internal/metrics"
	"github.com/chararch/cloudbatch/status"
)

// Step step interface
type Step interface {
	Name() string
	Exec(ctx context.Context, execution *StepExecution) BatchError
}

// PipelineState progress of a worker through its partition, kept in the step execution context
type PipelineState string

const (
	StateAssigned   PipelineState = "ASSIGNED"
	StateStaging    PipelineState = "STAGING"
	StateReading    PipelineState = "READING"
	StateProcessing PipelineState = "PROCESSING"
	StateWriting    PipelineState = "WRITING"
	StateCompleted  PipelineState = "COMPLETED"
	StateFailed     PipelineState = "FAILED"
	StateStopped    PipelineState = "STOPPED"

	//PipelineStateKey step execution context key of the PipelineState
	PipelineStateKey = "pipelineState"
)

// chunkStep stages the partition's resource, then reads, processes and writes it in chunks,
// one transaction per chunk
type chunkStep struct {
	name            string
	stager          ResourceStager
	reader          Reader
	processor       Processor
	writer          Writer
	chunkSize       uint
	txManager       TransactionManager
	repository      JobRepository
	keepStagedFiles bool
	listeners       []StepListener
	chunkListeners  []ChunkListener
	metrics         *metrics.Collector
}

//errStepClosed the stored step execution went terminal while a chunk was in flight
var errStepClosed BatchError = &batchErr{code: ErrCodeStop, msg: "step execution closed"}

type chunk struct {
	items     []interface{}
	skipItems []interface{}
	end       bool
}

func newChunk() *chunk {
	return &chunk{
		items:     make([]interface{}, 0),
		skipItems: make([]interface{}, 0),
		end:       false,
	}
}

func (step *chunkStep) Name() string {
	return step.name
}

func (step *chunkStep) Exec(ctx context.Context, execution *StepExecution) (err BatchError) {
	defer func() {
		err = step.execEnd(ctx, execution, err, recover())
	}()
	logger.Info(ctx, "step execute start, jobExecutionId:%v, stepName:%v", execution.JobExecutionId, execution.StepName)
	for _, listener := range step.listeners {
		err = listener.BeforeStep(execution)
		if err != nil {
			logger.Error(ctx, "step listener executing error, jobExecutionId:%v, stepName:%v, listener:%v, err:%v", execution.JobExecutionId, execution.StepName, reflect.TypeOf(listener).String(), err)
			return err
		}
	}
	execution.start()
	setPipelineState(execution, StateAssigned)
	if err = step.save(ctx, execution); err != nil || execution.StepStatus.IsTerminal() {
		return err
	}
	if step.stager != nil {
		var localFile string
		localFile, err = step.stage(ctx, execution)
		if localFile != "" && !step.keepStagedFiles {
			defer func() {
				if e := os.Remove(localFile); e != nil && !os.IsNotExist(e) {
					logger.Warn(ctx, "remove staged file failed, jobExecutionId:%v, stepName:%v, localFile:%v, err:%v", execution.JobExecutionId, execution.StepName, localFile, e)
				}
			}()
		}
		if err != nil {
			logger.Error(ctx, "stage resource failed, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, err)
			execution.finish(err)
			return err
		}
	}
	setPipelineState(execution, StateReading)
	err = step.doOpenIfNecessary(execution)
	if err != nil {
		logger.Error(ctx, "open resource failed, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, err)
		execution.finish(err)
		return err
	}
	defer func() {
		if e := step.doCloseIfNecessary(execution); e != nil {
			logger.Error(ctx, "close resource failed, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, e)
		}
	}()
	input := newChunk()
	output := newChunk()
	for !input.end {
		if stop, be := step.stopping(ctx, execution); be != nil {
			err = be
			break
		} else if stop {
			logger.Info(ctx, "step stopped before next chunk, jobExecutionId:%v, stepName:%v", execution.JobExecutionId, execution.StepName)
			interrupt(ctx, execution)
			break
		}
		chunkContext := &ChunkContext{
			Context:       ctx,
			StepExecution: execution,
		}
		err = step.doChunk(ctx, chunkContext, input, output)
		if err == errStepClosed {
			logger.Warn(ctx, "step execution closed by the master, chunk not written, jobExecutionId:%v, stepName:%v, status:%v", execution.JobExecutionId, execution.StepName, execution.StepStatus)
			err = nil
			break
		}
		if err != nil {
			logger.Error(ctx, "doChunk err, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, err)
			if chunkContext.Tx != nil {
				execution.RollbackCount++
				step.metrics.ChunkRolledBack()
			}
			if ctx.Err() != nil {
				interrupt(ctx, execution)
				err = nil
			}
			break
		}
		if len(input.items) > 0 {
			execution.ReadCount += int64(len(input.items) + len(input.skipItems))
			execution.WriteCount += int64(len(output.items))
			execution.FilterCount += int64(len(input.skipItems))
			execution.CommitCount++
			step.metrics.ChunkCommitted(len(output.items))
			if err = step.save(ctx, execution); err != nil || execution.StepStatus.IsTerminal() {
				break
			}
		}
	}
	if !execution.StepStatus.IsTerminal() {
		execution.finish(err)
	}
	for _, listener := range step.listeners {
		e := listener.AfterStep(execution)
		if e != nil && execution.StepStatus != status.FAILED {
			logger.Error(ctx, "step listener executing error, jobExecutionId:%v, stepName:%v, listener:%v, err:%v", execution.JobExecutionId, execution.StepName, reflect.TypeOf(listener).String(), e)
			execution.StepStatus = status.FAILED
			execution.FailError = e
			execution.ExitMessage = errorMessage(e)
			err = e
			break
		}
	}
	logger.Info(ctx, "step execute finish, jobExecutionId:%v, stepName:%v, stepStatus:%v, readCount:%v, writeCount:%v, commitCount:%v", execution.JobExecutionId, execution.StepName, execution.StepStatus, execution.ReadCount, execution.WriteCount, execution.CommitCount)
	return err
}

func (step *chunkStep) stage(ctx context.Context, execution *StepExecution) (string, BatchError) {
	uri, e := execution.StepContext.GetString(PartitionResourceKey)
	if e != nil || uri == "" {
		return "", NewBatchError(ErrCodeStaging, "partition of step:%v has no %v", execution.StepName, PartitionResourceKey)
	}
	setPipelineState(execution, StateStaging)
	localFile, err := step.stager.Stage(ctx, Resource{URI: uri, Exists: true})
	if err != nil {
		return "", err
	}
	if err = execution.putStep(LocalFileKey, localFile); err != nil {
		return localFile, err
	}
	if err = step.save(ctx, execution); err != nil {
		return localFile, err
	}
	return localFile, nil
}

//stopping whether the run was cancelled, the step was closed by the master or the job was asked to stop
func (step *chunkStep) stopping(ctx context.Context, execution *StepExecution) (bool, BatchError) {
	if ctx.Err() != nil {
		return true, nil
	}
	if step.repository == nil {
		return false, nil
	}
	if step.closedElsewhere(ctx, execution) {
		return true, nil
	}
	return checkJobStopping(ctx, step.repository, execution.JobExecutionId)
}

//interrupt end a run whose context is done: a cancel carrying a timeout fails the step, any other stops it
func interrupt(ctx context.Context, execution *StepExecution) {
	if be, ok := context.Cause(ctx).(BatchError); ok && be.Code() == ErrCodeTimeout {
		execution.finishWith(status.FAILED, be)
		return
	}
	execution.finishWith(status.STOPPED, StopError)
}

//closedElsewhere adopt the stored step execution when it is already terminal.
//The master closes steps on timeout or stop, a terminal status is never overwritten.
func (step *chunkStep) closedElsewhere(ctx context.Context, execution *StepExecution) bool {
	if step.repository == nil {
		return false
	}
	stored, err := step.repository.FindStepExecution(ctx, execution.StepExecutionId)
	if err != nil || !stored.StepStatus.IsTerminal() {
		return false
	}
	execution.adopt(stored)
	return true
}

func (step *chunkStep) save(ctx context.Context, execution *StepExecution) BatchError {
	if step.repository == nil {
		return nil
	}
	if err := step.repository.SaveStepExecution(ctx, execution); err != nil {
		if err.Code() == ErrCodeConcurrency && step.closedElsewhere(ctx, execution) {
			logger.Warn(ctx, "step execution already closed, keep stored status, jobExecutionId:%v, stepName:%v, status:%v", execution.JobExecutionId, execution.StepName, execution.StepStatus)
			return nil
		}
		logger.Error(ctx, "save step execution failed, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, err)
		return err
	}
	return nil
}

func (step *chunkStep) execEnd(ctx context.Context, execution *StepExecution, err BatchError, recoverErr interface{}) BatchError {
	if recoverErr != nil {
		logger.Error(ctx, "panic in step executing, jobExecutionId:%v, stepName:%v, err:%v, stack:%v", execution.JobExecutionId, execution.StepName, recoverErr, string(debug.Stack()))
		err = NewBatchError(ErrCodeGeneral, "panic in step execution: %v", recoverErr)
		execution.finish(err)
	}
	if err != nil && !execution.StepStatus.IsTerminal() {
		logger.Error(ctx, "step executing error, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, err)
		execution.finish(err)
	}
	setPipelineState(execution, terminalState(execution.StepStatus))
	//an abandoned run still records its terminal status, the caller's context may be gone
	saveCtx := context.WithoutCancel(ctx)
	for i := 0; i < 3; i++ {
		e := step.save(saveCtx, execution)
		if e != nil && (e.Code() == ErrCodeDbFail || e.Code() == ErrCodeConcurrency) { //retry
			logger.Error(ctx, "save step execution failed and retry for recoverable err, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, e)
			if e.Code() == ErrCodeConcurrency {
				if stored, fe := step.repository.FindStepExecution(saveCtx, execution.StepExecutionId); fe == nil {
					execution.Version = stored.Version
				}
			}
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
			continue
		}
		if e != nil {
			err = e
		}
		break
	}
	if err == nil && execution.StepStatus == status.FAILED {
		if be, ok := execution.FailError.(BatchError); ok {
			err = be
		} else {
			err = NewBatchError(ErrCodeProcessing, "step:%v failed", execution.StepName, execution.FailError)
		}
	}
	return err
}

func terminalState(st status.BatchStatus) PipelineState {
	switch st {
	case status.COMPLETED:
		return StateCompleted
	case status.STOPPED:
		return StateStopped
	default:
		return StateFailed
	}
}

func setPipelineState(execution *StepExecution, state PipelineState) {
	execution.putStep(PipelineStateKey, string(state))
}

func (step *chunkStep) doOpenIfNecessary(execution *StepExecution) BatchError {
	if rc, ok := step.reader.(OpenCloser); ok {
		if err := rc.Open(execution); err != nil {
			return err
		}
	}
	if step.writer != nil {
		if wc, ok := step.writer.(OpenCloser); ok {
			if err := wc.Open(execution); err != nil {
				return err
			}
		}
	}
	return nil
}

func (step *chunkStep) doCloseIfNecessary(execution *StepExecution) BatchError {
	var first BatchError
	if rc, ok := step.reader.(OpenCloser); ok {
		first = rc.Close(execution)
	}
	if step.writer != nil {
		if wc, ok := step.writer.(OpenCloser); ok {
			if err := wc.Close(execution); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

//doChunk reads and processes up to chunkSize items, then writes them in one transaction.
//A failed write rolls the whole chunk back.
func (step *chunkStep) doChunk(ctx context.Context, chunkCtx *ChunkContext, input *chunk, output *chunk) (err BatchError) {
	execution := chunkCtx.StepExecution
	defer func() {
		if er := recover(); er != nil {
			logger.Error(ctx, "panic on chunk executing, jobExecutionId:%v, stepName:%v, err:%v, stack:%v", execution.JobExecutionId, execution.StepName, er, string(debug.Stack()))
			err = NewBatchError(ErrCodeProcessing, "panic on chunk executing, stepName:%v, err:%v", execution.StepName, er)
		}
		if chunkCtx.Tx != nil && err != nil {
			if txErr := step.txManager.Rollback(chunkCtx.Tx); txErr != nil {
				logger.Error(ctx, "rollback transaction err, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, txErr)
			}
		}
		if err != nil {
			for _, listener := range step.chunkListeners {
				listener.OnError(chunkCtx, err)
			}
		}
	}()
	for _, listener := range step.chunkListeners {
		err = listener.BeforeChunk(chunkCtx)
		if err != nil {
			logger.Error(ctx, "chunk listener executing error, jobExecutionId:%v, stepName:%v, listener:%v, err:%v", execution.JobExecutionId, execution.StepName, reflect.TypeOf(listener).String(), err)
			return err
		}
	}
	err = readChunk(step.reader, chunkCtx, input, step.chunkSize)
	if err != nil {
		logger.Error(ctx, "read chunk data error, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, err)
		return asProcessingError(err)
	}
	logger.Debug(ctx, "read chunk data success, jobExecutionId:%v, stepName:%v, read count:%v", execution.JobExecutionId, execution.StepName, len(input.items))
	if len(input.items) == 0 {
		return nil
	}

	setPipelineState(execution, StateProcessing)
	output.items = output.items[0:0]
	input.skipItems = input.skipItems[0:0]
	kept := input.items[:0]
	for _, item := range input.items {
		outItem := item
		if step.processor != nil {
			outItem, err = step.processor.Process(item, chunkCtx)
			if err != nil {
				logger.Error(ctx, "process chunk item error, jobExecutionId:%v, stepName:%v, item:%v, err:%v", execution.JobExecutionId, execution.StepName, item, err)
				return asProcessingError(err)
			}
		}
		if outItem != nil {
			kept = append(kept, item)
			output.items = append(output.items, outItem)
		} else {
			input.skipItems = append(input.skipItems, item)
		}
	}
	input.items = kept

	setPipelineState(execution, StateWriting)
	if len(output.items) > 0 && step.writer != nil {
		if step.closedElsewhere(ctx, execution) {
			return errStepClosed
		}
		tx, txErr := step.txManager.BeginTx(ctx)
		if txErr != nil {
			logger.Error(ctx, "start transaction err, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, txErr)
			return txErr
		}
		chunkCtx.Tx = tx
		err = step.writer.Write(output.items, chunkCtx)
		if err != nil {
			logger.Error(ctx, "write chunk data error, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, err)
			return asProcessingError(err)
		}
		if txErr = step.txManager.Commit(tx); txErr != nil {
			logger.Error(ctx, "commit transaction err, jobExecutionId:%v, stepName:%v, err:%v", execution.JobExecutionId, execution.StepName, txErr)
			return asProcessingError(txErr)
		}
		logger.Debug(ctx, "write chunk data success, jobExecutionId:%v, stepName:%v, write count:%v", execution.JobExecutionId, execution.StepName, len(output.items))
	}
	setPipelineState(execution, StateReading)
	for _, listener := range step.chunkListeners {
		e := listener.AfterChunk(chunkCtx)
		if e != nil {
			logger.Error(ctx, "chunk listener executing error, jobExecutionId:%v, stepName:%v, listener:%v, err:%v", execution.JobExecutionId, execution.StepName, reflect.TypeOf(listener).String(), e)
			chunkCtx.Tx = nil
			return e
		}
	}
	return nil
}

func readChunk(reader Reader, chunkCtx *ChunkContext, input *chunk, chunkSize uint) BatchError {
	input.end = false
	input.items = input.items[0:0]
	for i := 0; i < int(chunkSize); i++ {
		item, err := reader.Read(chunkCtx)
		if err != nil {
			return err
		}
		if item != nil {
			input.items = append(input.items, item)
		} else {
			input.end = true
			break
		}
	}
	chunkCtx.End = input.end
	return nil
}

//asProcessingError keeps classified errors, anything else becomes a processing error
func asProcessingError(err BatchError) BatchError {
	switch err.Code() {
	case ErrCodeGeneral, ErrCodeDbFail:
		return NewBatchError(ErrCodeProcessing, "chunk processing failed", err)
	}
	return err
}
