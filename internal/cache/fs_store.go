package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
)

// Option 调整 Cache 的可选依赖。
type Option func(*Cache)

// WithEventBus 令 Cache 在正文写入/删除后发布文件事件。
func WithEventBus(bus *events.Bus) Option {
	return func(c *Cache) { c.bus = bus }
}

// WithDecorators 追加写入装饰器，按传入顺序由内向外包装。
func WithDecorators(decorators ...WriteDecorator) Option {
	return func(c *Cache) { c.decorators = append(c.decorators, decorators...) }
}

// WithLogger 注入日志实例。
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// Cache 以 basePath 为根目录管理所有仓库的磁盘内容，整站复用一份实例。
type Cache struct {
	basePath   string
	bus        *events.Bus
	decorators []WriteDecorator
	logger     *logrus.Logger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.RWMutex
	refs int
}

// NewCache 创建磁盘缓存。
func NewCache(basePath string, opts ...Option) (*Cache, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	c := &Cache{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	return c, nil
}

// BasePath 返回缓存根目录。
func (c *Cache) BasePath() string {
	return c.basePath
}

// LocationFor 计算仓库的存储位置；hosted 仓库优先使用其自身配置的目录。
func (c *Cache) LocationFor(store model.ArtifactStore) Location {
	key := store.Key()
	loc := Location{Key: key, Root: c.defaultRoot(key)}
	if hosted, ok := store.(*model.HostedRepository); ok {
		if hosted.StoragePath != "" {
			loc.Root = hosted.StoragePath
		}
		loc.AltRoot = hosted.AltStoragePath
	}
	return loc
}

// LocationForKey 返回仅由 key 决定的默认位置，用于 group 槽位或已删除仓库的清理。
func (c *Cache) LocationForKey(key model.StoreKey) Location {
	return Location{Key: key, Root: c.defaultRoot(key)}
}

func (c *Cache) defaultRoot(key model.StoreKey) string {
	return filepath.Join(c.basePath, safeSegment(key.PackageType), string(key.Type)+"-"+safeSegment(key.Name))
}

// Transfer 返回 (Location, 逻辑路径) 对应的内容句柄，存储路径按包类型规则映射。
func (c *Cache) Transfer(loc Location, logicalPath string) *Transfer {
	logical := pkgtype.Normalize(logicalPath)
	return &Transfer{
		cache:   c,
		loc:     loc,
		path:    logical,
		storage: pkgtype.StoragePath(loc.Key.PackageType, logical),
	}
}

// ContainsDir 判断 loc 的主目录或备用目录下是否存在逻辑目录 dir。
func (c *Cache) ContainsDir(loc Location, dir string) (bool, error) {
	rel := strings.Trim(pkgtype.Normalize(dir), "/")
	roots := []string{loc.Root}
	if loc.AltRoot != "" {
		roots = append(roots, loc.AltRoot)
	}
	for _, root := range roots {
		target := filepath.Clean(root)
		if rel != "" {
			resolved, err := resolve(root, rel)
			if err != nil {
				return false, err
			}
			target = resolved
		}
		info, err := os.Stat(target)
		if err == nil && info.IsDir() {
			return true, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, nil
}

func (c *Cache) publish(kind events.Kind, t *Transfer, meta model.EventMetadata) {
	if c.bus == nil || t.sidecar {
		return
	}
	c.bus.Publish(events.FileEvent{Kind: kind, Key: t.loc.Key, Path: t.path, Meta: meta})
}

// resolve 将存储路径映射到 root 下的绝对路径，并拒绝越界访问。
func resolve(root, storagePath string) (string, error) {
	if root == "" {
		return "", errors.New("location root required")
	}
	rel := path.Clean("/" + storagePath)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", errors.New("empty storage path")
	}

	filePath := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, filepath.Clean(root)+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func (c *Cache) lockEntry(key string, write bool) func() {
	c.mu.Lock()
	lock := c.locks[key]
	if lock == nil {
		lock = &entryLock{}
		c.locks[key] = lock
	}
	lock.refs++
	c.mu.Unlock()

	if write {
		lock.mu.Lock()
	} else {
		lock.mu.RLock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if write {
				lock.mu.Unlock()
			} else {
				lock.mu.RUnlock()
			}
			c.mu.Lock()
			lock.refs--
			if lock.refs == 0 {
				delete(c.locks, key)
			}
			c.mu.Unlock()
		})
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func safeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "_"
	}
	return s
}
