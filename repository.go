package cloudbatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/chararch/cloudbatch/database"
	"github.com/chararch/cloudbatch/status"
	"github.com/chararch/cloudbatch/util"
)

//JobInstance identity of a job run by name and parameters
type JobInstance struct {
	JobInstanceId int64
	JobName       string
	JobKey        string
	JobParams     string
	CreateTime    time.Time
}

//JobRepository shared store of job and step executions, polled by the master across process boundaries.
//Save methods insert when the id is zero, otherwise update guarded by Version and fail with ConcurrentError on mismatch.
//A step execution stored with a terminal status is never updated again.
type JobRepository interface {
	FindOrCreateJobInstance(ctx context.Context, jobName string, params map[string]interface{}) (*JobInstance, BatchError)
	SaveJobExecution(ctx context.Context, execution *JobExecution) BatchError
	FindJobExecution(ctx context.Context, jobExecutionId int64) (*JobExecution, BatchError)
	SaveStepExecution(ctx context.Context, execution *StepExecution) BatchError
	FindStepExecution(ctx context.Context, stepExecutionId int64) (*StepExecution, BatchError)
	FindStepExecutions(ctx context.Context, jobExecutionId int64) ([]*StepExecution, BatchError)
}

func jobKey(params map[string]interface{}) (string, string, BatchError) {
	if params == nil {
		params = map[string]interface{}{}
	}
	str, err := util.ToJSON(params)
	if err != nil {
		return "", "", NewBatchError(ErrCodeGeneral, "serialize job params failed", err)
	}
	return util.MD5Hex(str), str, nil
}

//checkJobStopping reports whether the stored job has been asked to stop
func checkJobStopping(ctx context.Context, repo JobRepository, jobExecutionId int64) (bool, BatchError) {
	stored, err := repo.FindJobExecution(ctx, jobExecutionId)
	if err != nil {
		return false, err
	}
	return stored.JobStatus == status.STOPPING || stored.JobStatus == status.STOPPED, nil
}

type sqlJobRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

//NewSQLJobRepository repository on the batch_* tables of db
func NewSQLJobRepository(db *sql.DB, dialect database.Dialect) JobRepository {
	return &sqlJobRepository{db: db, dialect: dialect}
}

func (r *sqlJobRepository) insert(ctx context.Context, query, idColumn string, args ...interface{}) (int64, error) {
	if r.dialect.SupportsLastInsertId() {
		res, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	var id int64
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(query+" returning "+idColumn), args...).Scan(&id)
	return id, err
}

func (r *sqlJobRepository) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqlJobRepository) FindOrCreateJobInstance(ctx context.Context, jobName string, params map[string]interface{}) (*JobInstance, BatchError) {
	key, str, be := jobKey(params)
	if be != nil {
		return nil, be
	}
	inst := &JobInstance{}
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind("select job_instance_id, job_name, job_key, job_params, create_time from batch_job_instance where job_name=? and job_key=?"), jobName, key).
		Scan(&inst.JobInstanceId, &inst.JobName, &inst.JobKey, &inst.JobParams, &inst.CreateTime)
	if err == nil {
		return inst, nil
	}
	if err != sql.ErrNoRows {
		return nil, NewBatchError(ErrCodeDbFail, "query job instance failed, jobName:%v", jobName, err)
	}
	inst = &JobInstance{JobName: jobName, JobKey: key, JobParams: str, CreateTime: time.Now()}
	id, err := r.insert(ctx, "insert into batch_job_instance(job_name, job_key, job_params, create_time) values(?, ?, ?, ?)", "job_instance_id", jobName, key, str, inst.CreateTime)
	if err != nil {
		return nil, NewBatchError(ErrCodeDbFail, "insert job instance failed, jobName:%v", jobName, err)
	}
	inst.JobInstanceId = id
	return inst, nil
}

func (r *sqlJobRepository) SaveJobExecution(ctx context.Context, execution *JobExecution) BatchError {
	params, err := util.ToJSON(execution.JobParams)
	if err != nil {
		return NewBatchError(ErrCodeGeneral, "serialize job params failed", err)
	}
	jobCtx, err := util.ToJSON(execution.JobContext)
	if err != nil {
		return NewBatchError(ErrCodeGeneral, "serialize job context failed", err)
	}
	now := time.Now()
	if execution.JobExecutionId == 0 {
		id, err := r.insert(ctx, "insert into batch_job_execution(job_instance_id, job_name, job_params, status, phase, job_context, create_time, start_time, end_time, exit_code, exit_message, last_updated, version) values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", "job_execution_id",
			execution.JobInstanceId, execution.JobName, params, string(execution.JobStatus), string(execution.Phase), jobCtx, execution.CreateTime, nullTime(execution.StartTime), nullTime(execution.EndTime), exitCode(execution.FailError), execution.ExitMessage, now, 1)
		if err != nil {
			return NewBatchError(ErrCodeDbFail, "insert job execution failed, jobName:%v", execution.JobName, err)
		}
		execution.JobExecutionId = id
		execution.Version = 1
		execution.LastUpdated = now
		return nil
	}
	rows, err := r.exec(ctx, "update batch_job_execution set status=?, phase=?, job_context=?, start_time=?, end_time=?, exit_code=?, exit_message=?, last_updated=?, version=? where job_execution_id=? and version=?",
		string(execution.JobStatus), string(execution.Phase), jobCtx, nullTime(execution.StartTime), nullTime(execution.EndTime), exitCode(execution.FailError), execution.ExitMessage, now, execution.Version+1, execution.JobExecutionId, execution.Version)
	if err != nil {
		return NewBatchError(ErrCodeDbFail, "update job execution failed, jobExecutionId:%v", execution.JobExecutionId, err)
	}
	if rows <= 0 {
		return NewBatchError(ErrCodeConcurrency, "job execution modified concurrently, jobExecutionId:%v, version:%v", execution.JobExecutionId, execution.Version)
	}
	execution.Version++
	execution.LastUpdated = now
	return nil
}

func (r *sqlJobRepository) FindJobExecution(ctx context.Context, jobExecutionId int64) (*JobExecution, BatchError) {
	var (
		params, jobCtx, exitMessage sql.NullString
		statusStr, phase, code      string
		start, end                  sql.NullTime
	)
	execution := &JobExecution{}
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind("select job_execution_id, job_instance_id, job_name, job_params, status, phase, job_context, create_time, start_time, end_time, exit_code, exit_message, last_updated, version from batch_job_execution where job_execution_id=?"), jobExecutionId).
		Scan(&execution.JobExecutionId, &execution.JobInstanceId, &execution.JobName, &params, &statusStr, &phase, &jobCtx, &execution.CreateTime, &start, &end, &code, &exitMessage, &execution.LastUpdated, &execution.Version)
	if err == sql.ErrNoRows {
		return nil, NewBatchError(ErrCodeNotFound, "job execution not found, jobExecutionId:%v", jobExecutionId)
	}
	if err != nil {
		return nil, NewBatchError(ErrCodeDbFail, "query job execution failed, jobExecutionId:%v", jobExecutionId, err)
	}
	execution.JobStatus = status.BatchStatus(statusStr)
	execution.Phase = JobPhase(phase)
	execution.StartTime, execution.EndTime = start.Time, end.Time
	execution.ExitMessage = exitMessage.String
	execution.FailError = restoreError(code, exitMessage.String)
	execution.JobParams = map[string]interface{}{}
	if params.Valid {
		if err = util.FromJSON(params.String, &execution.JobParams); err != nil {
			return nil, NewBatchError(ErrCodeGeneral, "parse job params failed, jobExecutionId:%v", jobExecutionId, err)
		}
	}
	execution.JobContext = NewJobExecutionContext()
	if jobCtx.Valid {
		if err = util.FromJSON(jobCtx.String, execution.JobContext); err != nil {
			return nil, NewBatchError(ErrCodeGeneral, "parse job context failed, jobExecutionId:%v", jobExecutionId, err)
		}
	}
	if execution.Phase == PhaseWorkers || execution.Phase == PhaseFinished {
		execution.JobContext.Seal()
	}
	return execution, nil
}

const stepColumns = "step_execution_id, job_execution_id, job_name, step_name, status, read_count, write_count, commit_count, filter_count, skip_count, rollback_count, step_context, execution_context, transitions, create_time, start_time, end_time, exit_code, exit_message, last_updated, version"

func (r *sqlJobRepository) SaveStepExecution(ctx context.Context, execution *StepExecution) BatchError {
	stepCtx, err := util.ToJSON(execution.StepContext)
	if err != nil {
		return NewBatchError(ErrCodeGeneral, "serialize step context failed, stepName:%v", execution.StepName, err)
	}
	execCtx, err := util.ToJSON(execution.StepExecutionContext)
	if err != nil {
		return NewBatchError(ErrCodeGeneral, "serialize step execution context failed, stepName:%v", execution.StepName, err)
	}
	transitions, err := util.ToJSON(execution.Transitions)
	if err != nil {
		return NewBatchError(ErrCodeGeneral, "serialize status transitions failed, stepName:%v", execution.StepName, err)
	}
	now := time.Now()
	if execution.StepExecutionId == 0 {
		id, err := r.insert(ctx, "insert into batch_step_execution(job_execution_id, job_name, step_name, status, read_count, write_count, commit_count, filter_count, skip_count, rollback_count, step_context, execution_context, transitions, create_time, start_time, end_time, exit_code, exit_message, last_updated, version) values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", "step_execution_id",
			execution.JobExecutionId, execution.JobName, execution.StepName, string(execution.StepStatus), execution.ReadCount, execution.WriteCount, execution.CommitCount, execution.FilterCount, execution.SkipCount, execution.RollbackCount,
			stepCtx, execCtx, transitions, execution.CreateTime, nullTime(execution.StartTime), nullTime(execution.EndTime), exitCode(execution.FailError), execution.ExitMessage, now, 1)
		if err != nil {
			return NewBatchError(ErrCodeDbFail, "insert step execution failed, stepName:%v", execution.StepName, err)
		}
		execution.StepExecutionId = id
		execution.Version = 1
		execution.LastUpdated = now
		return nil
	}
	rows, err := r.exec(ctx, "update batch_step_execution set status=?, read_count=?, write_count=?, commit_count=?, filter_count=?, skip_count=?, rollback_count=?, step_context=?, execution_context=?, transitions=?, start_time=?, end_time=?, exit_code=?, exit_message=?, last_updated=?, version=? where step_execution_id=? and version=? and status not in (?, ?, ?)",
		string(execution.StepStatus), execution.ReadCount, execution.WriteCount, execution.CommitCount, execution.FilterCount, execution.SkipCount, execution.RollbackCount,
		stepCtx, execCtx, transitions, nullTime(execution.StartTime), nullTime(execution.EndTime), exitCode(execution.FailError), execution.ExitMessage, now, execution.Version+1, execution.StepExecutionId, execution.Version,
		string(status.COMPLETED), string(status.FAILED), string(status.STOPPED))
	if err != nil {
		return NewBatchError(ErrCodeDbFail, "update step execution failed, stepExecutionId:%v", execution.StepExecutionId, err)
	}
	if rows <= 0 {
		return NewBatchError(ErrCodeConcurrency, "step execution modified concurrently, stepExecutionId:%v, version:%v", execution.StepExecutionId, execution.Version)
	}
	execution.Version++
	execution.LastUpdated = now
	return nil
}

func (r *sqlJobRepository) FindStepExecution(ctx context.Context, stepExecutionId int64) (*StepExecution, BatchError) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind("select "+stepColumns+" from batch_step_execution where step_execution_id=?"), stepExecutionId)
	if err != nil {
		return nil, NewBatchError(ErrCodeDbFail, "query step execution failed, stepExecutionId:%v", stepExecutionId, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return nil, NewBatchError(ErrCodeDbFail, "query step execution failed, stepExecutionId:%v", stepExecutionId, err)
		}
		return nil, NewBatchError(ErrCodeNotFound, "step execution not found, stepExecutionId:%v", stepExecutionId)
	}
	return scanStepExecution(rows)
}

func (r *sqlJobRepository) FindStepExecutions(ctx context.Context, jobExecutionId int64) ([]*StepExecution, BatchError) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind("select "+stepColumns+" from batch_step_execution where job_execution_id=? order by step_execution_id"), jobExecutionId)
	if err != nil {
		return nil, NewBatchError(ErrCodeDbFail, "query step executions failed, jobExecutionId:%v", jobExecutionId, err)
	}
	defer rows.Close()
	results := make([]*StepExecution, 0)
	for rows.Next() {
		execution, be := scanStepExecution(rows)
		if be != nil {
			return nil, be
		}
		results = append(results, execution)
	}
	if err = rows.Err(); err != nil {
		return nil, NewBatchError(ErrCodeDbFail, "query step executions failed, jobExecutionId:%v", jobExecutionId, err)
	}
	return results, nil
}

func scanStepExecution(rows *sql.Rows) (*StepExecution, BatchError) {
	var (
		stepCtx, execCtx, transitions, exitMessage sql.NullString
		statusStr, code                            string
		start, end                                 sql.NullTime
	)
	execution := &StepExecution{}
	err := rows.Scan(&execution.StepExecutionId, &execution.JobExecutionId, &execution.JobName, &execution.StepName, &statusStr,
		&execution.ReadCount, &execution.WriteCount, &execution.CommitCount, &execution.FilterCount, &execution.SkipCount, &execution.RollbackCount,
		&stepCtx, &execCtx, &transitions, &execution.CreateTime, &start, &end, &code, &exitMessage, &execution.LastUpdated, &execution.Version)
	if err != nil {
		return nil, NewBatchError(ErrCodeDbFail, "scan step execution failed", err)
	}
	execution.StepStatus = status.BatchStatus(statusStr)
	execution.StartTime, execution.EndTime = start.Time, end.Time
	execution.ExitMessage = exitMessage.String
	execution.FailError = restoreError(code, exitMessage.String)
	execution.StepContext = NewBatchContext()
	execution.StepExecutionContext = NewBatchContext()
	for _, f := range []struct {
		raw    sql.NullString
		target interface{}
	}{{stepCtx, execution.StepContext}, {execCtx, execution.StepExecutionContext}, {transitions, &execution.Transitions}} {
		if !f.raw.Valid {
			continue
		}
		if err = util.FromJSON(f.raw.String, f.target); err != nil {
			return nil, NewBatchError(ErrCodeGeneral, "parse step execution failed, stepExecutionId:%v", execution.StepExecutionId, err)
		}
	}
	return execution, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func exitCode(err error) string {
	if err == nil {
		return ""
	}
	return ErrorCode(err)
}

//restoreError rebuilds a classified error from its persisted code and message
func restoreError(code, message string) error {
	if code == "" {
		return nil
	}
	return NewBatchError(code, "%s", message)
}
