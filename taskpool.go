package cloudbatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

//taskPool bounded goroutine pool, backs in-process workers and asynchronous job starts
type taskPool struct {
	pool *ants.Pool
}

func newTaskPool(size int) *taskPool {
	pool, err := ants.NewPool(size)
	if err != nil {
		panic(fmt.Sprintf("create task pool of size:%v failed, err:%v", size, err))
	}
	return &taskPool{pool: pool}
}

// Future result of a pooled task
type Future interface {
	//Get block until the task is over
	Get() (interface{}, error)
	Done() <-chan struct{}
}

type future struct {
	done  chan struct{}
	value interface{}
	err   error
}

func (f *future) complete(value interface{}, err error) {
	f.value, f.err = value, err
	close(f.done)
}

func (f *future) Get() (interface{}, error) {
	<-f.done
	return f.value, f.err
}

func (f *future) Done() <-chan struct{} {
	return f.done
}

//Submit run task on the pool, a rejected task completes at once with the rejection
func (pool *taskPool) Submit(ctx context.Context, task func() (interface{}, error)) Future {
	f := &future{done: make(chan struct{})}
	err := pool.pool.Submit(func() {
		defer func() {
			if er := recover(); er != nil {
				logger.Error(ctx, "panic in pooled task, err:%v, stack:%v", er, string(debug.Stack()))
				f.complete(nil, errors.Errorf("panic in pooled task: %v", er))
			}
		}()
		val, err := task()
		f.complete(val, err)
	})
	if err != nil {
		f.complete(nil, errors.Wrap(err, "task rejected by pool"))
	}
	return f
}

func (pool *taskPool) Release() {
	pool.pool.Release()
}
