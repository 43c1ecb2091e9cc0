package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/model"
)

// errWriterClosed 表示写入流已提交或已放弃。
var errWriterClosed = errors.New("cache writer already closed")

// atomicWriter 先写临时文件，Close 时 rename 到目标路径，保证读者永远看不到半成品。
type atomicWriter struct {
	t        *Transfer
	meta     model.EventMetadata
	target   string
	tempFile *os.File

	mu   sync.Mutex
	done bool
}

func newAtomicWriter(t *Transfer, meta model.EventMetadata) (*atomicWriter, error) {
	target, err := resolve(t.loc.Root, t.storage)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return nil, err
	}
	return &atomicWriter{t: t, meta: meta, target: target, tempFile: tempFile}, nil
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, errWriterClosed
	}
	return w.tempFile.Write(p)
}

// Close 提交写入并发布 Stored 事件。
func (w *atomicWriter) Close() error {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return nil
	}
	w.done = true
	tempName := w.tempFile.Name()
	if err := w.tempFile.Close(); err != nil {
		w.mu.Unlock()
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, w.target); err != nil {
		w.mu.Unlock()
		os.Remove(tempName)
		return err
	}
	now := time.Now().UTC()
	_ = os.Chtimes(w.target, now, now)
	w.mu.Unlock()

	w.t.cache.publish(events.Stored, w.t, w.meta)
	return nil
}

// Abort 丢弃临时文件；已提交的写入不受影响。
func (w *atomicWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	tempName := w.tempFile.Name()
	_ = w.tempFile.Close()
	return os.Remove(tempName)
}
