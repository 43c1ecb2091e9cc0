package cache

import (
	"errors"
	"io"
	"time"

	"github.com/any-hub/any-depot/internal/model"
)

// 磁盘布局：
//
//	<StoragePath>/<packageType>/<type>-<name>/<storage path>   # 正文
//	<storage path>.http-metadata.json                            # remote 回源记录
//	<storage path>.info                                          # group 合并来源
//	<storage path>.md5|.sha1|.sha256                             # 合并结果校验和
//	<storage path>.rels.ser                                      # POM 依赖关系
//
// hosted 仓库可通过 StoragePath/AltStoragePath 指定独立目录。

// Sidecar 后缀约定。
const (
	HTTPMetadataSuffix = ".http-metadata.json"
	MergeInfoSuffix    = ".info"
	RelationshipSuffix = ".rels.ser"
)

// Location 描述一个仓库的物理存储根目录；不同仓库的 Location 永不共享。
type Location struct {
	Key     model.StoreKey
	Root    string
	AltRoot string
}

// Operation 标识写入来源，写入装饰器据此决定是否介入。
type Operation string

const (
	OpUpload   Operation = "upload"
	OpDownload Operation = "download"
	OpGenerate Operation = "generate"
)

// Entry 描述缓存中一个正文文件的状态。
type Entry struct {
	Key       model.StoreKey `json:"key"`
	Path      string         `json:"path"`
	FilePath  string         `json:"file_path"`
	SizeBytes int64          `json:"size_bytes"`
	ModTime   time.Time      `json:"mod_time"`
}

// WriteDecorator 在写入流外包装一层处理逻辑，由 Cache 在构造时按顺序组合。
// 返回的 Writer 必须在 Close 时关闭被包装的 w；若同时实现 Aborter，失败路径会调用 Abort。
type WriteDecorator func(w io.WriteCloser, t *Transfer, op Operation, meta model.EventMetadata) (io.WriteCloser, error)

// Aborter 放弃一次未完成的写入，不提交任何内容。
type Aborter interface {
	Abort() error
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
