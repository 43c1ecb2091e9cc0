package workpool

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrExecutorClosed 表示执行器已经关闭。
var ErrExecutorClosed = errors.New("executor closed")

// Executor 在后台以有限并发运行提交的任务，调用方无需等待。
type Executor struct {
	name   string
	sem    *semaphore.Weighted
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor 创建执行器，最多同时运行 workers 个任务。
func NewExecutor(name string, workers int, logger *logrus.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		name:   name,
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit 提交任务；任务收到的 ctx 在 Shutdown 时取消。
func (e *Executor) Submit(task func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				e.logger.WithFields(logrus.Fields{
					"action":   "background_task",
					"executor": e.name,
					"panic":    r,
				}).Error("background_task_panic")
			}
		}()
		task(e.ctx)
	}()
	return nil
}

// Wait 阻塞到当前已提交的任务全部结束。
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Shutdown 拒绝新任务并取消运行中任务的 ctx，等待它们退出或 ctx 到期。
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
