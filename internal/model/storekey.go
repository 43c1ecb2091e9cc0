// Package model 定义仓库实体（remote/hosted/group）及其身份标识 StoreKey。
package model

import (
	"fmt"
	"strings"
	"sync"
)

// StoreType 区分三类仓库。
type StoreType string

const (
	StoreTypeRemote StoreType = "remote"
	StoreTypeHosted StoreType = "hosted"
	StoreTypeGroup  StoreType = "group"
)

// 内置的包类型键，与 pkgtype 子包注册的 Key 保持一致。
const (
	PackageTypeMaven   = "maven"
	PackageTypeNPM     = "npm"
	PackageTypePyPI    = "pypi"
	PackageTypeGeneric = "generic-http"
)

// ParseStoreType 将字符串规范化为 StoreType。
func ParseStoreType(raw string) (StoreType, bool) {
	switch StoreType(strings.ToLower(strings.TrimSpace(raw))) {
	case StoreTypeRemote:
		return StoreTypeRemote, true
	case StoreTypeHosted:
		return StoreTypeHosted, true
	case StoreTypeGroup:
		return StoreTypeGroup, true
	default:
		return "", false
	}
}

// rank 决定同包类型下的排序：remote < hosted < group。
func (t StoreType) rank() int {
	switch t {
	case StoreTypeRemote:
		return 0
	case StoreTypeHosted:
		return 1
	case StoreTypeGroup:
		return 2
	default:
		return 3
	}
}

// StoreKey 是仓库的不可变身份：(packageType, type, name)。
// 只能按值比较；intern 表只是为了让热路径上的 map key 复用同一份字符串内存。
type StoreKey struct {
	PackageType string
	Type        StoreType
	Name        string
}

var internTable sync.Map // string -> StoreKey

// NewStoreKey 构造并驻留一个 StoreKey。
func NewStoreKey(packageType string, storeType StoreType, name string) StoreKey {
	return Intern(StoreKey{PackageType: packageType, Type: storeType, Name: name})
}

// Intern 返回与 key 值相等的驻留实例；首次出现时写入驻留表。
func Intern(key StoreKey) StoreKey {
	if cached, ok := internTable.Load(key.String()); ok {
		return cached.(StoreKey)
	}
	actual, _ := internTable.LoadOrStore(key.String(), key)
	return actual.(StoreKey)
}

// String 输出规范形式 packageType:type:name。
func (k StoreKey) String() string {
	return k.PackageType + ":" + string(k.Type) + ":" + k.Name
}

// IsZero 表示 key 未被赋值。
func (k StoreKey) IsZero() bool {
	return k.PackageType == "" && k.Type == "" && k.Name == ""
}

// Compare 按 (packageType, type, name) 全序比较。
func (k StoreKey) Compare(other StoreKey) int {
	if c := strings.Compare(k.PackageType, other.PackageType); c != 0 {
		return c
	}
	if a, b := k.Type.rank(), other.Type.rank(); a != b {
		if a < b {
			return -1
		}
		return 1
	}
	return strings.Compare(k.Name, other.Name)
}

// MarshalText 让 StoreKey 在 JSON/CBOR 中以规范字符串出现。
func (k StoreKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 解析规范字符串。
func (k *StoreKey) UnmarshalText(text []byte) error {
	parsed, err := ParseStoreKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseStoreKey 解析 "pkg:type:name"；兼容旧格式 "type:name"（maven）与裸名称（maven remote）。
func ParseStoreKey(raw string) (StoreKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StoreKey{}, fmt.Errorf("empty store key")
	}
	parts := strings.SplitN(raw, ":", 3)
	switch len(parts) {
	case 1:
		return NewStoreKey(PackageTypeMaven, StoreTypeRemote, parts[0]), nil
	case 2:
		st, ok := ParseStoreType(parts[0])
		if !ok {
			return StoreKey{}, fmt.Errorf("invalid store type in key %q", raw)
		}
		if parts[1] == "" {
			return StoreKey{}, fmt.Errorf("missing store name in key %q", raw)
		}
		return NewStoreKey(PackageTypeMaven, st, parts[1]), nil
	default:
		st, ok := ParseStoreType(parts[1])
		if !ok {
			return StoreKey{}, fmt.Errorf("invalid store type in key %q", raw)
		}
		if parts[0] == "" || parts[2] == "" {
			return StoreKey{}, fmt.Errorf("incomplete store key %q", raw)
		}
		return NewStoreKey(strings.ToLower(parts[0]), st, parts[2]), nil
	}
}

// MustParseStoreKey 供测试与静态配置使用，解析失败时 panic。
func MustParseStoreKey(raw string) StoreKey {
	key, err := ParseStoreKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}
