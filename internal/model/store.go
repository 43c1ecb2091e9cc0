package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ArtifactStore 是 remote/hosted/group 三类仓库的公共视图。
type ArtifactStore interface {
	Key() StoreKey
	Base() *StoreBase
	// Clone 返回深拷贝；注册表只接受拷贝后的修改，不允许原地改动。
	Clone() ArtifactStore
}

// StoreBase 承载所有仓库共有的字段。
type StoreBase struct {
	StoreKey    StoreKey          `json:"key"`
	Description string            `json:"description,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
	PathMasks   []string          `json:"path_masks,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// Revision 由注册表在每次写入时递增，用于检测并发编辑。
	Revision int64 `json:"revision"`
}

// Key 返回仓库身份。
func (b *StoreBase) Key() StoreKey { return b.StoreKey }

// Base 暴露公共字段，便于统一处理元数据。
func (b *StoreBase) Base() *StoreBase { return b }

// GetMetadata 读取元数据，缺失时返回空串。
func (b *StoreBase) GetMetadata(key string) string {
	if b.Metadata == nil {
		return ""
	}
	return b.Metadata[key]
}

// SetMetadata 写入元数据。
func (b *StoreBase) SetMetadata(key, value string) {
	if b.Metadata == nil {
		b.Metadata = make(map[string]string)
	}
	b.Metadata[key] = value
}

// DeleteMetadata 删除元数据，返回该键此前是否存在。
func (b *StoreBase) DeleteMetadata(key string) bool {
	if _, ok := b.Metadata[key]; !ok {
		return false
	}
	delete(b.Metadata, key)
	return true
}

// AllowsPath 判断 path 是否落在 PathMasks 内；未配置时放行所有路径。
// 以 "r|" 开头、以 "|" 结尾的 mask 视为正则，其余按前缀匹配。
func (b *StoreBase) AllowsPath(path string) bool {
	if len(b.PathMasks) == 0 {
		return true
	}
	trimmed := strings.TrimPrefix(path, "/")
	for _, mask := range b.PathMasks {
		if strings.HasPrefix(mask, "r|") && strings.HasSuffix(mask, "|") && len(mask) > 3 {
			re, err := regexp.Compile(mask[2 : len(mask)-1])
			if err != nil {
				continue
			}
			if re.MatchString(trimmed) || re.MatchString(path) {
				return true
			}
			continue
		}
		if strings.HasPrefix(trimmed, strings.TrimPrefix(mask, "/")) {
			return true
		}
	}
	return false
}

func (b StoreBase) clone() StoreBase {
	out := b
	out.PathMasks = append([]string(nil), b.PathMasks...)
	if b.Metadata != nil {
		out.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// PrefetchConfig 描述 remote 仓库的预取配置。
type PrefetchConfig struct {
	ListingType string `json:"listing_type,omitempty"` // html|koji
	Priority    int    `json:"priority,omitempty"`
}

// RemoteRepository 代理一个上游地址。
type RemoteRepository struct {
	StoreBase
	URL      string         `json:"url"`
	Timeout  time.Duration  `json:"timeout,omitempty"`
	Prefetch PrefetchConfig `json:"prefetch"`
}

// NewRemoteRepository 创建 remote 仓库。
func NewRemoteRepository(packageType, name, url string) *RemoteRepository {
	return &RemoteRepository{
		StoreBase: StoreBase{StoreKey: NewStoreKey(packageType, StoreTypeRemote, name)},
		URL:       url,
	}
}

func (r *RemoteRepository) Clone() ArtifactStore {
	out := *r
	out.StoreBase = r.StoreBase.clone()
	return &out
}

// HostedRepository 为本地可写仓库。
type HostedRepository struct {
	StoreBase
	StoragePath    string `json:"storage_path,omitempty"`
	AltStoragePath string `json:"alt_storage_path,omitempty"`
	Readonly       bool   `json:"readonly,omitempty"`
	AllowSnapshots bool   `json:"allow_snapshots"`
	AllowReleases  bool   `json:"allow_releases"`
}

// NewHostedRepository 创建 hosted 仓库，默认允许 release、禁止 snapshot。
func NewHostedRepository(packageType, name string) *HostedRepository {
	return &HostedRepository{
		StoreBase:     StoreBase{StoreKey: NewStoreKey(packageType, StoreTypeHosted, name)},
		AllowReleases: true,
	}
}

func (h *HostedRepository) Clone() ArtifactStore {
	out := *h
	out.StoreBase = h.StoreBase.clone()
	return &out
}

// Group 是成员仓库的有序虚拟合并，下标 0 优先级最高。
type Group struct {
	StoreBase
	Constituents []StoreKey `json:"constituents"`
}

// NewGroup 创建 group 并去重成员。
func NewGroup(packageType, name string, members ...StoreKey) *Group {
	g := &Group{StoreBase: StoreBase{StoreKey: NewStoreKey(packageType, StoreTypeGroup, name)}}
	for _, m := range members {
		g.AddConstituent(m)
	}
	return g
}

func (g *Group) Clone() ArtifactStore {
	return g.Copy()
}

// Copy 返回强类型深拷贝。
func (g *Group) Copy() *Group {
	out := *g
	out.StoreBase = g.StoreBase.clone()
	out.Constituents = append([]StoreKey(nil), g.Constituents...)
	return &out
}

// HasConstituent 判断成员是否存在。
func (g *Group) HasConstituent(key StoreKey) bool {
	return g.IndexOf(key) >= 0
}

// IndexOf 返回成员下标，不存在时为 -1。
func (g *Group) IndexOf(key StoreKey) int {
	for i, member := range g.Constituents {
		if member == key {
			return i
		}
	}
	return -1
}

// AddConstituent 追加成员；已存在时返回 false。
func (g *Group) AddConstituent(key StoreKey) bool {
	if g.HasConstituent(key) {
		return false
	}
	g.Constituents = append(g.Constituents, key)
	return true
}

// InsertConstituent 在指定下标插入成员；已存在时返回 false。
func (g *Group) InsertConstituent(idx int, key StoreKey) bool {
	if g.HasConstituent(key) {
		return false
	}
	if idx < 0 {
		idx = 0
	}
	if idx > len(g.Constituents) {
		idx = len(g.Constituents)
	}
	g.Constituents = append(g.Constituents, StoreKey{})
	copy(g.Constituents[idx+1:], g.Constituents[idx:])
	g.Constituents[idx] = key
	return true
}

// RemoveConstituent 删除成员；不存在时是 no-op 并返回 false。
func (g *Group) RemoveConstituent(key StoreKey) bool {
	idx := g.IndexOf(key)
	if idx < 0 {
		return false
	}
	g.Constituents = append(g.Constituents[:idx], g.Constituents[idx+1:]...)
	return true
}

// ValidateKind 校验 StoreKey.Type 与实际类型一致。
func ValidateKind(store ArtifactStore) error {
	if store == nil {
		return fmt.Errorf("nil store")
	}
	var expected StoreType
	switch store.(type) {
	case *RemoteRepository:
		expected = StoreTypeRemote
	case *HostedRepository:
		expected = StoreTypeHosted
	case *Group:
		expected = StoreTypeGroup
	default:
		return fmt.Errorf("unsupported store implementation %T", store)
	}
	if store.Key().Type != expected {
		return fmt.Errorf("store %s declares type %s but is a %s", store.Key(), store.Key().Type, expected)
	}
	if store.Key().Name == "" || store.Key().PackageType == "" {
		return fmt.Errorf("store key %s is incomplete", store.Key())
	}
	return nil
}

// ChangeSummary 记录每次注册表写入的审计信息。
type ChangeSummary struct {
	User        string    `json:"user"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

// SystemUser 用于后台任务发起的写入。
const SystemUser = "system"

// NewChangeSummary 以当前时间创建审计记录。
func NewChangeSummary(user, description string) ChangeSummary {
	if user == "" {
		user = SystemUser
	}
	return ChangeSummary{User: user, Description: description, Time: time.Now().UTC()}
}
