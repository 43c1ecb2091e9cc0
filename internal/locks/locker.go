// Package locks 提供按键命名的互斥锁，支持超时与 context 取消。
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout 表示在超时时间内未能获得锁。
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker 为每个 key 维护一把引用计数的互斥锁，无人持有时自动回收。
type Locker[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entryLock
}

type entryLock struct {
	sem  chan struct{}
	refs int
}

// New 创建空的 Locker。
func New[K comparable]() *Locker[K] {
	return &Locker[K]{locks: make(map[K]*entryLock)}
}

// Lock 获取 key 对应的锁。timeout<=0 表示只受 ctx 约束。
func (l *Locker[K]) Lock(ctx context.Context, key K, timeout time.Duration) (func(), error) {
	lock := l.acquire(key)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case lock.sem <- struct{}{}:
	case <-timer:
		l.release(key, lock)
		return nil, fmt.Errorf("%w: %v after %s", ErrLockTimeout, key, timeout)
	case <-ctx.Done():
		l.release(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			l.release(key, lock)
		})
	}, nil
}

// LockAnd 在持有 key 锁期间执行 fn。
func (l *Locker[K]) LockAnd(ctx context.Context, key K, timeout time.Duration, fn func() error) error {
	unlock, err := l.Lock(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Held 返回当前被引用（持有或等待）的 key 数量，供测试观察回收情况。
func (l *Locker[K]) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker[K]) acquire(key K) *entryLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock := l.locks[key]
	if lock == nil {
		lock = &entryLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (l *Locker[K]) release(key K, lock *entryLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}
