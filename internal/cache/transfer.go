package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
)

// Transfer 是单个仓库中单个内容项的句柄。
type Transfer struct {
	cache   *Cache
	loc     Location
	path    string
	storage string
	sidecar bool
}

// Path 返回逻辑路径。
func (t *Transfer) Path() string { return t.path }

// StoragePath 返回映射后的存储路径。
func (t *Transfer) StoragePath() string { return t.storage }

// Location 返回所属存储位置。
func (t *Transfer) Location() Location { return t.loc }

// Key 返回所属仓库。
func (t *Transfer) Key() model.StoreKey { return t.loc.Key }

func (t *Transfer) String() string {
	return t.loc.Key.String() + t.path
}

// FilePath 返回主存储目录下的绝对路径。
func (t *Transfer) FilePath() (string, error) {
	return resolve(t.loc.Root, t.storage)
}

// SiblingMeta 返回以 suffix 结尾的旁路元数据句柄，例如 .http-metadata.json。
func (t *Transfer) SiblingMeta(suffix string) *Transfer {
	return &Transfer{
		cache:   t.cache,
		loc:     t.loc,
		path:    t.path + suffix,
		storage: t.storage + suffix,
		sidecar: true,
	}
}

// Sibling 返回同一目录下名为 name 的内容句柄。
func (t *Transfer) Sibling(name string) *Transfer {
	dir := pkgtype.ParentDir(t.path)
	if dir == "" {
		dir = "/"
	}
	return t.cache.Transfer(t.loc, dir+name)
}

// Exists 判断正文是否存在（主目录或备用目录）。
func (t *Transfer) Exists() bool {
	_, err := t.locate()
	return err == nil
}

// Stat 返回正文状态。
func (t *Transfer) Stat() (Entry, error) {
	filePath, err := t.locate()
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:       t.loc.Key,
		Path:      t.path,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (t *Transfer) locate() (string, error) {
	roots := []string{t.loc.Root}
	if t.loc.AltRoot != "" {
		roots = append(roots, t.loc.AltRoot)
	}
	for _, root := range roots {
		filePath, err := resolve(root, t.storage)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(filePath)
		if err == nil && !info.IsDir() {
			return filePath, nil
		}
	}
	return "", ErrNotFound
}

// LockWrite 获取独占写锁，同一 Transfer 同时只允许一个写者。
func (t *Transfer) LockWrite(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.cache.lockEntry(t.lockKey(), true), nil
}

// LockRead 获取共享读锁。
func (t *Transfer) LockRead(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.cache.lockEntry(t.lockKey(), false), nil
}

func (t *Transfer) lockKey() string {
	return t.loc.Key.String() + "::" + t.storage
}

// OpenReader 打开正文流；不存在时返回 ErrNotFound。
func (t *Transfer) OpenReader() (io.ReadSeekCloser, error) {
	filePath, err := t.locate()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// ReadAll 读取全部正文。
func (t *Transfer) ReadAll() ([]byte, error) {
	r, err := t.OpenReader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// OpenWriter 打开经过装饰器包装的写入流；Close 时以 rename 原子提交。
// 调用方负责在外层持有写锁。
func (t *Transfer) OpenWriter(ctx context.Context, op Operation, meta model.EventMetadata) (io.WriteCloser, error) {
	w, _, err := t.openWriter(ctx, op, meta)
	return w, err
}

func (t *Transfer) openWriter(ctx context.Context, op Operation, meta model.EventMetadata) (io.WriteCloser, *atomicWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	base, err := newAtomicWriter(t, meta)
	if err != nil {
		return nil, nil, err
	}
	var w io.WriteCloser = base
	if !t.sidecar {
		for _, decorate := range t.cache.decorators {
			next, err := decorate(w, t, op, meta)
			if err != nil {
				_ = base.Abort()
				return nil, nil, fmt.Errorf("decorate writer for %s: %w", t, err)
			}
			w = next
		}
	}
	return w, base, nil
}

// Write 将 r 的全部内容写入；任何错误都会放弃临时文件，不留下半成品。
func (t *Transfer) Write(ctx context.Context, r io.Reader, op Operation, meta model.EventMetadata) (int64, error) {
	w, base, err := t.openWriter(ctx, op, meta)
	if err != nil {
		return 0, err
	}
	n, err := copyWithContext(ctx, w, r)
	if err != nil {
		if a, ok := w.(Aborter); ok {
			_ = a.Abort()
		}
		_ = base.Abort()
		return n, err
	}
	if err := w.Close(); err != nil {
		_ = base.Abort()
		return n, err
	}
	return n, nil
}

// WriteBytes 是 Write 的便捷形式。
func (t *Transfer) WriteBytes(ctx context.Context, data []byte, op Operation, meta model.EventMetadata) error {
	_, err := t.Write(ctx, bytes.NewReader(data), op, meta)
	return err
}

// Delete 删除正文；不存在时返回 false。备用目录只读，不做删除。
func (t *Transfer) Delete(ctx context.Context, meta model.EventMetadata) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	filePath, err := resolve(t.loc.Root, t.storage)
	if err != nil {
		return false, err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	t.cache.publish(events.Deleted, t, meta)
	return true, nil
}

// List 返回逻辑目录下的子项名称，子目录以 "/" 结尾，旁路文件与临时文件被隐藏。
func (t *Transfer) List() ([]string, error) {
	dir := strings.TrimSuffix(t.path, "/")
	if !pkgtype.IsListingPath(t.path) {
		dir = strings.TrimSuffix(pkgtype.ParentDir(t.path), "/")
	}
	seen := map[string]struct{}{}
	roots := []string{t.loc.Root}
	if t.loc.AltRoot != "" {
		roots = append(roots, t.loc.AltRoot)
	}
	found := false
	for _, root := range roots {
		dirPath := filepath.Clean(root)
		if dir != "" {
			resolved, err := resolve(root, dir)
			if err != nil {
				return nil, err
			}
			dirPath = resolved
		}
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		found = true
		for _, entry := range entries {
			name := entry.Name()
			if hiddenEntry(name) {
				continue
			}
			if entry.IsDir() {
				name += "/"
			}
			seen[name] = struct{}{}
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func hiddenEntry(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, suffix := range []string{HTTPMetadataSuffix, MergeInfoSuffix, RelationshipSuffix, ".listing.html"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Touch 更新正文时间戳，主要供测试与再验证逻辑使用。
func (t *Transfer) Touch(mod time.Time) error {
	filePath, err := t.locate()
	if err != nil {
		return err
	}
	return os.Chtimes(filePath, mod, mod)
}

// Base 返回逻辑路径的文件名部分。
func (t *Transfer) Base() string {
	return path.Base(strings.TrimSuffix(t.path, "/"))
}
