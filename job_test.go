package cloudbatch

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/chararch/cloudbatch/status"
)

func partitionSteps(execution *JobExecution) []*StepExecution {
	result := make([]*StepExecution, 0)
	for _, se := range execution.StepExecutions {
		if se.StepName != MasterStepName {
			result = append(result, se)
		}
	}
	return result
}

func TestJob_Run(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"c.csv":     csvLines("c", 3),
		"a.csv":     csvLines("a", 25),
		"b.csv":     csvLines("b", 5),
		"notes.txt": "not an input",
	})
	job := env.build(t)

	execution, err := job.Run(context.Background(), map[string]interface{}{"date": "2026-10-17"})
	assert.Equal(t, nil, err)
	assert.Equal(t, status.COMPLETED, execution.JobStatus)
	assert.Equal(t, PhaseFinished, execution.Phase)
	assert.Equal(t, nil, execution.FailError)

	master := execution.StepExecution(MasterStepName)
	assert.NotEqual(t, (*StepExecution)(nil), master)
	assert.Equal(t, status.COMPLETED, master.StepStatus)
	assert.Equal(t, int64(3), master.ReadCount)
	assert.Equal(t, int64(3), master.WriteCount)

	steps := partitionSteps(execution)
	assert.Equal(t, 3, len(steps))
	resources := []string{filepath.Join(env.dir, "a.csv"), filepath.Join(env.dir, "b.csv"), filepath.Join(env.dir, "c.csv")}
	for i, se := range steps {
		assert.Equal(t, "partition"+string(rune('0'+i)), se.StepName)
		assert.Equal(t, status.COMPLETED, se.StepStatus)
		uri, _ := se.StepContext.GetString(PartitionResourceKey)
		assert.Equal(t, resources[i], uri)
	}
	assert.Equal(t, int64(25), steps[0].WriteCount)
	assert.Equal(t, int64(2), steps[0].CommitCount)

	commits := append([]int(nil), env.sink.commits...)
	sort.Ints(commits)
	assert.Equal(t, []int{3, 5, 5, 20}, commits)
	assert.Equal(t, 33, env.sink.rowCount())

	assert.T(t, execution.JobContext.Sealed())
	stored, _ := execution.JobContext.Job().GetStringSlice(JobResourcesKey)
	assert.Equal(t, resources, stored)
	pattern, _ := execution.JobContext.Job().GetString(JobResourcePathKey)
	assert.Equal(t, filepath.Join(env.dir, "*.csv"), pattern)
	assert.Equal(t, 0, len(stagedFiles(t, env.stagingDir)))

	saved, _ := env.repo.FindJobExecution(context.Background(), execution.JobExecutionId)
	assert.Equal(t, status.COMPLETED, saved.JobStatus)
}

func TestJob_MaxWorkers(t *testing.T) {
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files[name+".csv"] = csvLines(name, 2)
	}
	env := newTestEnv(t, files)
	env.counter = &countingLauncher{}
	env.handler = NewPartitionHandler(nil, env.repo).MaxWorkers(2)
	job := env.build(t)

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.COMPLETED, execution.JobStatus)
	assert.Equal(t, 10, env.sink.rowCount())
	launches, peak := env.counter.stats()
	assert.Equal(t, 5, launches)
	assert.T(t, peak >= 1)
	assert.T(t, peak <= 2)
	assert.T(t, env.reader.peakOpen() <= 2)
}

func TestJob_ChunkedPartitions(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"a.csv": csvLines("a", 25),
		"b.csv": csvLines("b", 20),
		"c.csv": csvLines("c", 5),
	})
	env.counter = &countingLauncher{}
	env.handler = NewPartitionHandler(nil, env.repo).MaxWorkers(2)
	job := env.build(t)

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.COMPLETED, execution.JobStatus)

	steps := partitionSteps(execution)
	assert.Equal(t, []status.BatchStatus{status.COMPLETED, status.COMPLETED, status.COMPLETED}, statusesOf(steps))
	commitCounts := make([]int64, 0, len(steps))
	writeCounts := make([]int64, 0, len(steps))
	for _, se := range steps {
		commitCounts = append(commitCounts, se.CommitCount)
		writeCounts = append(writeCounts, se.WriteCount)
	}
	assert.Equal(t, []int64{2, 1, 1}, commitCounts)
	assert.Equal(t, []int64{25, 20, 5}, writeCounts)

	commits := append([]int(nil), env.sink.commits...)
	sort.Ints(commits)
	assert.Equal(t, []int{5, 5, 20, 20, 20}, commits)
	assert.Equal(t, 50, env.sink.rowCount())

	launches, peak := env.counter.stats()
	assert.Equal(t, 3, launches)
	assert.T(t, peak <= 2)
}

func TestJob_NoResources(t *testing.T) {
	env := newTestEnv(t, map[string]string{"notes.txt": "x"})
	job := env.build(t)

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.FAILED, execution.JobStatus)
	assert.Equal(t, ErrCodePartition, ErrorCode(execution.FailError))
	assert.Equal(t, 0, len(partitionSteps(execution)))
	assert.Equal(t, status.FAILED, execution.StepExecution(MasterStepName).StepStatus)
}

func TestJob_MalformedPattern(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.build(t)
	job.resourcePath = filepath.Join(env.dir, "[a-")

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.FAILED, execution.JobStatus)
	assert.Equal(t, ErrCodeResolution, ErrorCode(execution.FailError))
}

func TestJob_ResourcePathFromParams(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"2026/10/17/a.csv": csvLines("a", 2),
		"2026/10/16/b.csv": csvLines("b", 2),
	})
	job := env.build(t)
	job.resourcePath = filepath.Join(env.dir, "{date,yyyy/MM/dd}", "*.csv")

	execution, err := job.Run(context.Background(), map[string]interface{}{"date": "2026-10-17"})
	assert.Equal(t, nil, err)
	assert.Equal(t, status.COMPLETED, execution.JobStatus)
	assert.Equal(t, 1, len(partitionSteps(execution)))
	assert.Equal(t, 2, env.sink.rowCount())
}

func TestJob_PartitionFailure(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"a.csv":      csvLines("a", 4),
		"broken.csv": csvLines("x", 4),
		"c.csv":      csvLines("c", 4),
	})
	env.storages = &brokenStorages{broken: "broken"}
	job := env.build(t)

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.FAILED, execution.JobStatus)
	assert.Equal(t, ErrCodeStaging, ErrorCode(execution.FailError))
	steps := partitionSteps(execution)
	assert.Equal(t, []status.BatchStatus{status.COMPLETED, status.FAILED, status.COMPLETED}, statusesOf(steps))
	assert.Equal(t, ErrCodeStaging, ErrorCode(steps[1].FailError))
	assert.Equal(t, 8, env.sink.rowCount())
	assert.Equal(t, 0, len(stagedFiles(t, env.stagingDir)))
}

func TestJob_FailFast(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"a.csv":      csvLines("a", 4),
		"broken.csv": csvLines("x", 4),
		"c.csv":      csvLines("c", 4),
	})
	env.storages = &brokenStorages{broken: "broken"}
	env.handler = NewPartitionHandler(nil, env.repo).MaxWorkers(1).FailFast(true)
	job := env.build(t)

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.FAILED, execution.JobStatus)
	assert.Equal(t, []status.BatchStatus{status.COMPLETED, status.FAILED, status.STOPPED}, statusesOf(partitionSteps(execution)))
	assert.Equal(t, 4, env.sink.rowCount())
}

type failingLauncher struct{}

func (l *failingLauncher) Launch(ctx context.Context, request LaunchRequest) (TaskHandle, BatchError) {
	return nil, NewBatchError(ErrCodeLaunch, "no capacity for task:%v", request.Name)
}

func TestJob_LaunchFailure(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.csv": csvLines("a", 2), "b.csv": csvLines("b", 2)})
	env.handler = NewPartitionHandler(&failingLauncher{}, env.repo)
	job := env.build(t)

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.FAILED, execution.JobStatus)
	assert.Equal(t, ErrCodeLaunch, ErrorCode(execution.FailError))
	assert.Equal(t, []status.BatchStatus{status.FAILED, status.FAILED}, statusesOf(partitionSteps(execution)))
	assert.Equal(t, 0, env.sink.rowCount())
}

func TestJob_WorkerExitsAbnormally(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.csv": csvLines("a", 2)})
	launcher := NewLocalTaskLauncher(2, func(ctx context.Context, args []string, env map[string]string) error {
		return NewBatchError(ErrCodeGeneral, "worker crashed before it started")
	})
	defer launcher.Release()
	env.handler = NewPartitionHandler(launcher, env.repo)
	job := env.build(t)

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.FAILED, execution.JobStatus)
	steps := partitionSteps(execution)
	assert.Equal(t, []status.BatchStatus{status.FAILED}, statusesOf(steps))
	assert.Equal(t, ErrCodeLaunch, ErrorCode(steps[0].FailError))
}

func TestJob_Timeout(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.csv": csvLines("a", 2), "b.csv": csvLines("b", 2)})
	env.reader.block = true
	env.handler = NewPartitionHandler(nil, env.repo).Timeout(100 * time.Millisecond)
	job := env.build(t)

	execution, err := job.Run(context.Background(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.FAILED, execution.JobStatus)
	assert.Equal(t, ErrCodeTimeout, ErrorCode(execution.FailError))
	steps := partitionSteps(execution)
	assert.Equal(t, []status.BatchStatus{status.FAILED, status.FAILED}, statusesOf(steps))
	for _, se := range steps {
		assert.Equal(t, ErrCodeTimeout, ErrorCode(se.FailError))
		stored, _ := env.repo.FindStepExecution(context.Background(), se.StepExecutionId)
		assert.Equal(t, status.FAILED, stored.StepStatus)
		assert.Equal(t, se.ExitMessage, stored.ExitMessage)
	}
	assert.Equal(t, 0, env.sink.rowCount())
}

func TestJob_Stop(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.csv": csvLines("a", 2), "b.csv": csvLines("b", 2), "c.csv": csvLines("c", 2)})
	env.reader.block = true
	env.reader.started = make(chan struct{})
	job := env.build(t)
	op := NewJobOperator(env.repo, 2)
	defer op.Release()
	assert.Equal(t, nil, op.Register(job))

	ctx := context.Background()
	id, err := op.StartAsync(ctx, "s3jdbc", `{"date":"2026-10-17"}`)
	assert.Equal(t, nil, err)
	select {
	case <-env.reader.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no worker started")
	}
	assert.Equal(t, nil, op.Stop(ctx, id))

	execution := waitTerminal(t, op, id)
	assert.Equal(t, status.STOPPED, execution.JobStatus)
	for _, se := range execution.StepExecutions {
		if se.StepName == MasterStepName {
			assert.Equal(t, status.COMPLETED, se.StepStatus)
			continue
		}
		assert.Equal(t, status.STOPPED, se.StepStatus)
	}
	assert.Equal(t, 0, env.sink.rowCount())
	assert.NotEqual(t, nil, op.Stop(ctx, id))
}

func waitTerminal(t *testing.T, op *JobOperator, id int64) *JobExecution {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		execution, err := op.JobExecution(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if execution.JobStatus.IsTerminal() {
			return execution
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job execution:%v did not finish", id)
	return nil
}
