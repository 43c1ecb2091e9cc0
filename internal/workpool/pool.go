// Package workpool 提供有界并发的执行原语：支持重新提交的排空池、一次性波次，以及后台执行器。
package workpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Step 处理一个任务；返回 (next, true) 表示把 next 重新提交到同一个池。
type Step[T any] func(ctx context.Context, item T) (next T, again bool)

// Drain 以最多 workers 个并发处理 items，直到所有任务及其重新提交的任务全部完成。
// ctx 取消后不再接收新任务，已在运行的任务会执行完毕，返回 ctx.Err()。
func Drain[T any](ctx context.Context, workers int, items []T, step Step[T]) error {
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	record := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	var submit func(item T)
	submit = func(item T) {
		if err := ctx.Err(); err != nil {
			record(err)
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			record(err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, again := step(ctx, item)
			sem.Release(1)
			if again {
				submit(next)
			}
		}()
	}

	for _, item := range items {
		submit(item)
	}
	wg.Wait()
	return firstErr
}

// Wave 以最多 workers 个并发对每个 item 调用 fn；单个失败不影响其他任务，全部结束后返回合并的错误。
func Wave[T any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) error) error {
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	var (
		mu   sync.Mutex
		errs []error
	)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
