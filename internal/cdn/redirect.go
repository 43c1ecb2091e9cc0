// Package cdn 在 remote 目录列表写入缓存时重写链接，并记录指向外部 CDN 的原始地址，
// 之后的文件请求据此直接访问外部地址。
package cdn

import (
	"context"
	"sync"

	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/transport"
)

// RedirectDB 保存 (仓库, 父目录) -> {文件名: 原始链接}。
type RedirectDB interface {
	transport.RedirectLookup
	// Record 用 entries 替换 (key, parent) 下的全部记录。
	Record(ctx context.Context, key model.StoreKey, parent string, entries map[string]string) error
	// Clear 删除 (key, parent) 下的全部记录。
	Clear(ctx context.Context, key model.StoreKey, parent string) error
	Close() error
}

type dirKey struct {
	store  model.StoreKey
	parent string
}

// MemoryRedirects 是进程内实现。
type MemoryRedirects struct {
	mu      sync.RWMutex
	entries map[dirKey]map[string]string
}

// NewMemoryRedirects 创建空表。
func NewMemoryRedirects() *MemoryRedirects {
	return &MemoryRedirects{entries: make(map[dirKey]map[string]string)}
}

func (m *MemoryRedirects) Lookup(_ context.Context, key model.StoreKey, parent, filename string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	href, ok := m.entries[dirKey{key, parent}][filename]
	return href, ok, nil
}

func (m *MemoryRedirects) Record(_ context.Context, key model.StoreKey, parent string, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(entries) == 0 {
		delete(m.entries, dirKey{key, parent})
		return nil
	}
	copied := make(map[string]string, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	m.entries[dirKey{key, parent}] = copied
	return nil
}

func (m *MemoryRedirects) Clear(_ context.Context, key model.StoreKey, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, dirKey{key, parent})
	return nil
}

func (m *MemoryRedirects) Close() error { return nil }

// Len 返回记录的目录数。
func (m *MemoryRedirects) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
