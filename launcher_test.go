package cloudbatch

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
)

func waitDone(t *testing.T, handle TaskHandle) {
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task:%v did not exit", handle.Name())
	}
}

func TestLocalTaskLauncher_Launch(t *testing.T) {
	received := make(chan map[string]string, 1)
	launcher := NewLocalTaskLauncher(2, func(ctx context.Context, args []string, env map[string]string) error {
		received <- env
		if len(args) > 0 && args[0] == "fail" {
			return errors.New("worker failed")
		}
		return nil
	})
	defer launcher.Release()
	ctx := context.Background()

	handle, err := launcher.Launch(ctx, LaunchRequest{Name: "ok", Env: map[string]string{"K": "V"}})
	assert.Equal(t, nil, err)
	waitDone(t, handle)
	assert.Equal(t, map[string]string{"K": "V"}, <-received)
	assert.Equal(t, TaskComplete, handle.Status())
	assert.Equal(t, 0, handle.ExitCode())
	assert.NotEqual(t, "", handle.ID())

	handle, err = launcher.Launch(ctx, LaunchRequest{Name: "ko", Args: []string{"fail"}})
	assert.Equal(t, nil, err)
	waitDone(t, handle)
	<-received
	assert.Equal(t, TaskFailed, handle.Status())
	assert.Equal(t, 1, handle.ExitCode())
}

func TestLocalTaskLauncher_Cancel(t *testing.T) {
	causes := make(chan error, 1)
	launcher := NewLocalTaskLauncher(1, func(ctx context.Context, args []string, env map[string]string) error {
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return ctx.Err()
	})
	defer launcher.Release()

	handle, err := launcher.Launch(context.Background(), LaunchRequest{Name: "blocked"})
	assert.Equal(t, nil, err)
	assert.Equal(t, TaskRunning, handle.Status())
	timeout := NewBatchError(ErrCodeTimeout, "too slow")
	handle.Cancel(timeout)
	handle.Cancel(nil)
	waitDone(t, handle)
	assert.Equal(t, TaskCancelled, handle.Status())
	assert.Equal(t, error(timeout), <-causes)

	handle, err = launcher.Launch(context.Background(), LaunchRequest{Name: "stopped"})
	assert.Equal(t, nil, err)
	handle.Cancel(nil)
	waitDone(t, handle)
	assert.Equal(t, error(StopError), <-causes)
}

func TestLocalTaskLauncher_OutlivesLaunchContext(t *testing.T) {
	release := make(chan struct{})
	launcher := NewLocalTaskLauncher(1, func(ctx context.Context, args []string, env map[string]string) error {
		<-release
		return ctx.Err()
	})
	defer launcher.Release()

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := launcher.Launch(ctx, LaunchRequest{Name: "detached"})
	assert.Equal(t, nil, err)
	cancel()
	close(release)
	waitDone(t, handle)
	assert.Equal(t, TaskComplete, handle.Status())
}

func TestProcessTaskLauncher_Launch(t *testing.T) {
	launcher := &ProcessTaskLauncher{Binary: "/bin/sh", BaseArgs: []string{"-c"}}
	ctx := context.Background()

	handle, err := launcher.Launch(ctx, LaunchRequest{Name: "exit3", Args: []string{"exit 3"}})
	assert.Equal(t, nil, err)
	waitDone(t, handle)
	assert.Equal(t, TaskFailed, handle.Status())
	assert.Equal(t, 3, handle.ExitCode())

	handle, err = launcher.Launch(ctx, LaunchRequest{Name: "env", Args: []string{`test "$PAYLOAD" = "abc"`}, Env: map[string]string{"PAYLOAD": "abc"}})
	assert.Equal(t, nil, err)
	waitDone(t, handle)
	assert.Equal(t, TaskComplete, handle.Status())

	handle, err = launcher.Launch(ctx, LaunchRequest{Name: "sleep", Args: []string{"sleep 30"}})
	assert.Equal(t, nil, err)
	handle.Cancel(StopError)
	waitDone(t, handle)
	assert.Equal(t, TaskCancelled, handle.Status())

	_, err = (&ProcessTaskLauncher{}).Launch(ctx, LaunchRequest{Name: "nobinary"})
	assert.Equal(t, ErrCodeLaunch, err.Code())
	_, err = (&ProcessTaskLauncher{Binary: "/no/such/binary"}).Launch(ctx, LaunchRequest{Name: "missing"})
	assert.Equal(t, ErrCodeLaunch, err.Code())
}

func TestMergeEnv(t *testing.T) {
	merged := mergeEnv([]string{"PATH=/bin", "A=1", "B=2"}, map[string]string{"A": "x", "C": "3"}, map[string]string{"C": "4"})
	sort.Strings(merged)
	assert.Equal(t, []string{"A=x", "B=2", "C=4", "PATH=/bin"}, merged)
}
