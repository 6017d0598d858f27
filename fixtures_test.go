package cloudbatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chararch/cloudbatch/file"
	"github.com/chararch/cloudbatch/status"
	"github.com/pkg/errors"
)

type testRecord struct {
	First   string `order:"0"`
	Second  string `order:"1"`
	Third   string `order:"2"`
	Message string
}

type enrichProcessor struct{}

func (p *enrichProcessor) Process(item interface{}, chunkCtx *ChunkContext) (interface{}, BatchError) {
	r := *item.(*testRecord)
	r.Message = r.First + "-" + r.Third
	return &r, nil
}

//memSink transactional in-memory table, also its own TransactionManager
type memSink struct {
	mu        sync.Mutex
	rows      []*testRecord
	commits   []int
	rollbacks int
	failOn    string
}

type memTx struct {
	rows []*testRecord
}

func (s *memSink) BeginTx(ctx context.Context) (interface{}, BatchError) {
	return &memTx{}, nil
}

func (s *memSink) Commit(tx interface{}) BatchError {
	t := tx.(*memTx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, t.rows...)
	s.commits = append(s.commits, len(t.rows))
	t.rows = nil
	return nil
}

func (s *memSink) Rollback(tx interface{}) BatchError {
	tx.(*memTx).rows = nil
	s.mu.Lock()
	s.rollbacks++
	s.mu.Unlock()
	return nil
}

func (s *memSink) Write(items []interface{}, chunkCtx *ChunkContext) BatchError {
	t := chunkCtx.Tx.(*memTx)
	for _, item := range items {
		r := item.(*testRecord)
		if s.failOn != "" && r.First == s.failOn {
			return NewBatchError(ErrCodeDbFail, "constraint violated by %v", r.First)
		}
		t.rows = append(t.rows, r)
	}
	return nil
}

func (s *memSink) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

//csvLines n well formed lines, prefixed to be unique across files
func csvLines(prefix string, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%s%d,b%d,c%d\n", prefix, i, i, i)
	}
	return sb.String()
}

//brokenStorages local storage refusing to open paths containing broken
type brokenStorages struct {
	broken string
}

type brokenFS struct {
	file.LocalFileSystem
	broken string
}

func (s *brokenStorages) Storage(loc file.Location) (file.FileStorage, error) {
	return &brokenFS{broken: s.broken}, nil
}

func (f *brokenFS) Open(name string) (io.ReadCloser, error) {
	if strings.Contains(name, f.broken) {
		return nil, errors.Errorf("open %v: permission denied", name)
	}
	return f.LocalFileSystem.Open(name)
}

//gateReader counts concurrent open readers and can block until the run is cancelled
type gateReader struct {
	Reader
	block   bool
	mu      sync.Mutex
	open    int
	peak    int
	started chan struct{}
	once    sync.Once
	//hold, when set, parks the first Read until it is closed; holding is closed once parked
	hold     chan struct{}
	holding  chan struct{}
	holdOnce sync.Once
}

func (r *gateReader) Open(execution *StepExecution) BatchError {
	r.mu.Lock()
	r.open++
	if r.open > r.peak {
		r.peak = r.open
	}
	r.mu.Unlock()
	if r.started != nil {
		r.once.Do(func() { close(r.started) })
	}
	time.Sleep(20 * time.Millisecond)
	if oc, ok := r.Reader.(OpenCloser); ok {
		return oc.Open(execution)
	}
	return nil
}

func (r *gateReader) Read(chunkCtx *ChunkContext) (interface{}, BatchError) {
	if r.block {
		<-chunkCtx.Context.Done()
		return nil, NewBatchError(ErrCodeStop, "read interrupted")
	}
	if r.hold != nil {
		r.holdOnce.Do(func() {
			close(r.holding)
			<-r.hold
		})
	}
	return r.Reader.Read(chunkCtx)
}

func (r *gateReader) Close(execution *StepExecution) BatchError {
	r.mu.Lock()
	r.open--
	r.mu.Unlock()
	if oc, ok := r.Reader.(OpenCloser); ok {
		return oc.Close(execution)
	}
	return nil
}

func (r *gateReader) peakOpen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

//countingLauncher records how many of its launched tasks had not exited at each launch
type countingLauncher struct {
	TaskLauncher
	mu       sync.Mutex
	handles  []TaskHandle
	launches int
	peak     int
}

func (l *countingLauncher) Launch(ctx context.Context, request LaunchRequest) (TaskHandle, BatchError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	running := 1
	for _, h := range l.handles {
		select {
		case <-h.Done():
		default:
			running++
		}
	}
	handle, err := l.TaskLauncher.Launch(ctx, request)
	if err != nil {
		return nil, err
	}
	l.handles = append(l.handles, handle)
	l.launches++
	if running > l.peak {
		l.peak = running
	}
	return handle, nil
}

func (l *countingLauncher) stats() (launches, peak int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches, l.peak
}

type testEnv struct {
	dir        string
	stagingDir string
	repo       *MemoryJobRepository
	sink       *memSink
	reader     *gateReader
	launcher   *LocalTaskLauncher
	handler    *DeployerPartitionHandler
	storages   StorageResolver
	//counter, when set, wraps the in process launcher
	counter *countingLauncher
}

func newTestEnv(t *testing.T, files map[string]string) *testEnv {
	env := &testEnv{
		dir:        t.TempDir(),
		stagingDir: t.TempDir(),
		repo:       NewMemoryJobRepository(),
		sink:       &memSink{},
		reader:     &gateReader{Reader: NewFlatFileReader(3, testRecord{})},
		storages:   file.NewRegistry(file.FTPFileSystem{}),
	}
	writeFiles(t, env.dir, files)
	return env
}

func (env *testEnv) step() Step {
	return NewStep("workerStep").
		Reader(env.reader).
		Processor(&enrichProcessor{}).
		Writer(env.sink).
		TransactionManager(env.sink).
		Repository(env.repo).
		Stager(NewResourceStager(env.storages, env.stagingDir)).
		Build()
}

//build job over env.dir/*.csv run by in process workers
func (env *testEnv) build(t *testing.T) *JobController {
	workers := NewStepExecutionHandler(env.repo, env.step())
	env.launcher = NewLocalTaskLauncher(8, workers.WorkerFunc())
	t.Cleanup(env.launcher.Release)
	var launcher TaskLauncher = env.launcher
	if env.counter != nil {
		env.counter.TaskLauncher = env.launcher
		launcher = env.counter
	}
	if env.handler == nil {
		env.handler = NewPartitionHandler(launcher, env.repo)
	} else if env.handler.launcher == nil {
		env.handler.launcher = launcher
	}
	env.handler.WorkerStep("workerStep").
		PollInterval(10 * time.Millisecond).
		StopTimeout(2 * time.Second)
	job, err := NewJob("s3jdbc").
		ResourcePath(filepath.Join(env.dir, "*.csv")).
		Enumerator(NewResourceEnumerator(env.storages)).
		Handler(env.handler).
		Repository(env.repo).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func stagedFiles(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func statusesOf(executions []*StepExecution) []status.BatchStatus {
	result := make([]status.BatchStatus, 0, len(executions))
	for _, se := range executions {
		result = append(result, se.StepStatus)
	}
	return result
}
