package cloudbatch

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

//LaunchRequest what to start for one partition
type LaunchRequest struct {
	//App worker application, the executable for process launches
	App string
	//Name human readable task name, e.g. s3jdbc-partition0
	Name string
	Args []string
	Env  map[string]string
}

//TaskStatus state of a launched task as seen by the launcher
type TaskStatus string

const (
	TaskRunning   TaskStatus = "RUNNING"
	TaskComplete  TaskStatus = "COMPLETE"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

//TaskHandle a launched worker. The master only trusts the repository for the partition result,
//the handle tells whether the worker is still alive.
type TaskHandle interface {
	ID() string
	Name() string
	Status() TaskStatus
	//ExitCode valid once Done is closed
	ExitCode() int
	Done() <-chan struct{}
	//Cancel best effort request to stop the worker. In process workers see cause through context.Cause,
	//a nil cause reads as StopError.
	Cancel(cause BatchError)
}

//TaskLauncher starts a worker for a LaunchRequest
type TaskLauncher interface {
	Launch(ctx context.Context, request LaunchRequest) (TaskHandle, BatchError)
}

type taskHandle struct {
	id        string
	name      string
	mu        sync.Mutex
	status    TaskStatus
	exitCode  int
	cancelled bool
	done      chan struct{}
	cancel    func(cause BatchError)
}

func newTaskHandle(name string) *taskHandle {
	return &taskHandle{
		id:     uuid.NewString(),
		name:   name,
		status: TaskRunning,
		done:   make(chan struct{}),
	}
}

func (h *taskHandle) ID() string {
	return h.id
}

func (h *taskHandle) Name() string {
	return h.name
}

func (h *taskHandle) Status() TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *taskHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *taskHandle) Done() <-chan struct{} {
	return h.done
}

func (h *taskHandle) Cancel(cause BatchError) {
	if cause == nil {
		cause = StopError
	}
	h.mu.Lock()
	if h.status != TaskRunning || h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

func (h *taskHandle) exit(code int) {
	h.mu.Lock()
	h.exitCode = code
	switch {
	case h.cancelled:
		h.status = TaskCancelled
	case code == 0:
		h.status = TaskComplete
	default:
		h.status = TaskFailed
	}
	h.mu.Unlock()
	close(h.done)
}

//WorkerFunc runs one worker in process, receiving what a worker process would get
type WorkerFunc func(ctx context.Context, args []string, env map[string]string) error

//LocalTaskLauncher runs workers as goroutines of a bounded pool
type LocalTaskLauncher struct {
	pool   *taskPool
	worker WorkerFunc
}

//NewLocalTaskLauncher launcher running worker on a pool of size goroutines
func NewLocalTaskLauncher(size int, worker WorkerFunc) *LocalTaskLauncher {
	if size <= 0 {
		size = DefaultTaskPoolSize
	}
	return &LocalTaskLauncher{pool: newTaskPool(size), worker: worker}
}

func (l *LocalTaskLauncher) Launch(ctx context.Context, request LaunchRequest) (TaskHandle, BatchError) {
	if l.worker == nil {
		return nil, NewBatchError(ErrCodeLaunch, "no worker function for task:%v", request.Name)
	}
	handle := newTaskHandle(request.Name)
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	handle.cancel = func(cause BatchError) {
		cancel(cause)
	}
	args := append([]string(nil), request.Args...)
	env := make(map[string]string, len(request.Env))
	for k, v := range request.Env {
		env[k] = v
	}
	future := l.pool.Submit(runCtx, func() (interface{}, error) {
		return nil, l.worker(runCtx, args, env)
	})
	go func() {
		defer cancel(nil)
		_, err := future.Get()
		code := 0
		if err != nil {
			logger.Warn(ctx, "local worker exited with error, task:%v, taskId:%v, err:%v", request.Name, handle.id, err)
			code = 1
		}
		handle.exit(code)
	}()
	logger.Info(ctx, "local worker launched, task:%v, taskId:%v", request.Name, handle.id)
	return handle, nil
}

//Release stop the pool, running workers are not interrupted
func (l *LocalTaskLauncher) Release() {
	l.pool.Release()
}

//ProcessTaskLauncher runs each worker as a child process of the master
type ProcessTaskLauncher struct {
	//Binary executable to start, falls back to LaunchRequest.App
	Binary string
	//BaseArgs placed before the request's arguments, e.g. the worker subcommand
	BaseArgs []string
	//Env added to the inherited environment of every worker
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

func (l *ProcessTaskLauncher) Launch(ctx context.Context, request LaunchRequest) (TaskHandle, BatchError) {
	binary := l.Binary
	if binary == "" {
		binary = request.App
	}
	if binary == "" {
		return nil, NewBatchError(ErrCodeLaunch, "no worker executable for task:%v", request.Name)
	}
	args := append(append([]string(nil), l.BaseArgs...), request.Args...)
	cmd := exec.Command(binary, args...)
	cmd.Env = mergeEnv(os.Environ(), l.Env, request.Env)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, NewBatchError(ErrCodeLaunch, "start worker process:%v for task:%v failed", binary, request.Name, err)
	}
	handle := newTaskHandle(request.Name)
	//a process only gets SIGTERM, the master records anything but a stop itself
	handle.cancel = func(cause BatchError) {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Warn(ctx, "signal worker process failed, task:%v, pid:%v, err:%v", request.Name, cmd.Process.Pid, err)
		}
	}
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
			logger.Warn(ctx, "worker process exited abnormally, task:%v, pid:%v, err:%v", request.Name, cmd.Process.Pid, err)
		}
		handle.exit(code)
	}()
	logger.Info(ctx, "worker process launched, task:%v, taskId:%v, pid:%v", request.Name, handle.id, cmd.Process.Pid)
	return handle, nil
}

//mergeEnv base plus overrides in key order, later maps win
func mergeEnv(base []string, overrides ...map[string]string) []string {
	merged := make(map[string]string)
	for _, m := range overrides {
		for k, v := range m {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := merged[name]; !ok {
			result = append(result, kv)
		}
	}
	for _, k := range keys {
		result = append(result, k+"="+merged[k])
	}
	return result
}
