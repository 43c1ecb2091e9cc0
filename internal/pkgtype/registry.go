// Package pkgtype 维护包类型（maven/npm/pypi/generic-http）注册表，
// 各子包在 init() 中注册自己的特殊路径规则与存储路径映射。
package pkgtype

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// GenericKey 是未识别包类型时的兜底描述符。
const GenericKey = "generic-http"

var globalRegistry = newRegistry()

type registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

func newRegistry() *registry {
	return &registry{descriptors: make(map[string]Descriptor)}
}

// Register 将描述符加入全局注册表，重复键会返回错误。
func Register(desc Descriptor) error {
	return globalRegistry.register(desc)
}

// MustRegister 在注册失败时 panic，适合子包 init() 中调用。
func MustRegister(desc Descriptor) {
	if err := Register(desc); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的描述符。
func Resolve(key string) (Descriptor, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的描述符列表。
func List() []Descriptor {
	return globalRegistry.list()
}

// Keys 返回所有已注册包类型的键。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, desc := range items {
		result[i] = desc.Key
	}
	return result
}

// Classify 对 (包类型, 路径) 做特殊路径分类，未知包类型退回 generic 规则。
func Classify(packageType, p string) PathInfo {
	if desc, ok := lookup(packageType); ok && desc.Classify != nil {
		return desc.Classify(p)
	}
	return PathInfo{Listing: IsListingPath(p), Mergable: IsListingPath(p)}
}

// StrategyPath 返回包含性过滤使用的路径；空串表示该包类型不参与过滤。
func StrategyPath(packageType, p string) string {
	if desc, ok := lookup(packageType); ok && desc.StrategyPath != nil {
		return desc.StrategyPath(p)
	}
	return ""
}

// StoragePath 计算缓存中的落盘路径。
func StoragePath(packageType, p string) string {
	p = Normalize(p)
	if desc, ok := lookup(packageType); ok && desc.LocatorRewrite != nil {
		return desc.LocatorRewrite(p)
	}
	if IsListingPath(p) {
		return p + ".listing.html"
	}
	return p
}

// MetadataPath 返回目录 dir 下的元数据文件路径；包类型无目录级元数据时返回空串。
func MetadataPath(packageType, dir string) string {
	desc, ok := lookup(packageType)
	if !ok || desc.MetadataFile == "" {
		return ""
	}
	return strings.TrimSuffix(Normalize(dir), "/") + "/" + desc.MetadataFile
}

func lookup(packageType string) (Descriptor, bool) {
	if desc, ok := Resolve(packageType); ok {
		return desc, true
	}
	return Resolve(GenericKey)
}

func (r *registry) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(desc Descriptor) error {
	key := r.normalizeKey(desc.Key)
	if key == "" {
		return fmt.Errorf("package type key is required")
	}
	desc.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[key]; exists {
		return fmt.Errorf("package type %s already registered", key)
	}
	r.descriptors[key] = desc
	return nil
}

func (r *registry) resolve(key string) (Descriptor, bool) {
	if key == "" {
		return Descriptor{}, false
	}
	normalized := r.normalizeKey(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[normalized]
	return desc, ok
}

func (r *registry) list() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.descriptors) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.descriptors))
	for key := range r.descriptors {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Descriptor, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.descriptors[key])
	}
	return result
}
