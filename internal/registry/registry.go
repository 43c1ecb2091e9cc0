// Package registry 维护 remote/hosted/group 仓库定义，是其它组件读取仓库的唯一来源。
// 所有写入都经过 Store/Delete 这条路径，按 StoreKey 加锁并记录审计信息。
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/locks"
	"github.com/any-hub/any-depot/internal/logging"
	"github.com/any-hub/any-depot/internal/model"
)

var (
	// ErrNotFound 表示仓库不存在。
	ErrNotFound = errors.New("store not found")
	// ErrInconsistent 表示写入基于过期的 Revision，调用方需要重新读取后再修改。
	ErrInconsistent = errors.New("store definition changed concurrently")
)

const defaultChangeLogSize = 1024

// ChangeKind 区分注册表变更类型。
type ChangeKind string

const (
	ChangeStored  ChangeKind = "stored"
	ChangeDeleted ChangeKind = "deleted"
)

// Change 描述一次已经生效的变更，Store/Previous 均为拷贝。
type Change struct {
	Kind     ChangeKind
	Key      model.StoreKey
	Store    model.ArtifactStore
	Previous model.ArtifactStore
	Summary  model.ChangeSummary
	Meta     model.EventMetadata
}

// ChangeRecord 是写入审计日志的条目。
type ChangeRecord struct {
	Kind     ChangeKind          `json:"kind"`
	Key      model.StoreKey      `json:"key"`
	Revision int64               `json:"revision"`
	Summary  model.ChangeSummary `json:"summary"`
}

// Listener 在变更提交后同步调用。
type Listener func(Change)

// Persister 是仓库定义的持久化后端。
type Persister interface {
	LoadAll(ctx context.Context) ([]model.ArtifactStore, error)
	Save(ctx context.Context, store model.ArtifactStore, summary model.ChangeSummary) error
	Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary) error
	Close() error
}

// Query 描述按包类型/仓库类型的过滤条件，零值匹配全部。
type Query struct {
	PackageType string
	Types       []model.StoreType
	// EnabledOnly 为 true 时跳过 Disabled 仓库。
	EnabledOnly bool
}

func (q Query) match(store model.ArtifactStore) bool {
	key := store.Key()
	if q.PackageType != "" && key.PackageType != q.PackageType {
		return false
	}
	if q.EnabledOnly && store.Base().Disabled {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if key.Type == t {
			return true
		}
	}
	return false
}

// Option 定制 Registry。
type Option func(*Registry)

// WithPersister 指定持久化后端；未设置时仅保存在内存中。
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// WithLockTimeout 设置单个 StoreKey 写锁的等待上限。
func WithLockTimeout(timeout time.Duration) Option {
	return func(r *Registry) { r.lockTimeout = timeout }
}

// WithLogger 指定日志输出。
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry 是内存索引 + 可选持久化的仓库注册表。
type Registry struct {
	mu     sync.RWMutex
	stores map[model.StoreKey]model.ArtifactStore

	keyLocks    *locks.Locker[model.StoreKey]
	lockTimeout time.Duration
	persister   Persister
	logger      *logrus.Logger

	listenerMu sync.RWMutex
	listeners  []Listener

	logMu     sync.Mutex
	changeLog []ChangeRecord
}

// New 创建空注册表。
func New(opts ...Option) *Registry {
	r := &Registry{
		stores:      make(map[model.StoreKey]model.ArtifactStore),
		keyLocks:    locks.New[model.StoreKey](),
		lockTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	return r
}

// Load 从持久化后端恢复全部仓库定义，覆盖内存中的同名条目。
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.persister == nil {
		return 0, nil
	}
	stores, err := r.persister.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load stores: %w", err)
	}
	r.mu.Lock()
	for _, store := range stores {
		r.stores[model.Intern(store.Key())] = store
	}
	r.mu.Unlock()
	return len(stores), nil
}

// OnChange 注册变更监听器。监听器在写锁释放前调用，不能再回写同一个 StoreKey。
func (r *Registry) OnChange(listener Listener) {
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, listener)
	r.listenerMu.Unlock()
}

// Get 返回仓库拷贝。
func (r *Registry) Get(key model.StoreKey) (model.ArtifactStore, error) {
	r.mu.RLock()
	store, ok := r.stores[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return store.Clone(), nil
}

// GetGroup 是 Get 的强类型版本。
func (r *Registry) GetGroup(key model.StoreKey) (*model.Group, error) {
	store, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	group, ok := store.(*model.Group)
	if !ok {
		return nil, fmt.Errorf("%s is not a group", key)
	}
	return group, nil
}

// Has 判断仓库是否存在。
func (r *Registry) Has(key model.StoreKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stores[key]
	return ok
}

// All 按 StoreKey 排序返回全部仓库拷贝。
func (r *Registry) All() []model.ArtifactStore {
	return r.Query(Query{})
}

// Query 返回满足条件的仓库拷贝，按 StoreKey 排序。
func (r *Registry) Query(q Query) []model.ArtifactStore {
	r.mu.RLock()
	result := make([]model.ArtifactStore, 0, len(r.stores))
	for _, store := range r.stores {
		if q.match(store) {
			result = append(result, store.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key().Compare(result[j].Key()) < 0
	})
	return result
}

// GroupsContaining 返回直接包含 key 的 group。
func (r *Registry) GroupsContaining(key model.StoreKey) []*model.Group {
	var groups []*model.Group
	for _, store := range r.Query(Query{PackageType: key.PackageType, Types: []model.StoreType{model.StoreTypeGroup}}) {
		group := store.(*model.Group)
		if group.HasConstituent(key) {
			groups = append(groups, group)
		}
	}
	return groups
}

// ConcreteMembers 按成员顺序深度展开 group，得到非 group 仓库列表；
// 嵌套 group 在其出现的位置展开，重复成员只保留第一次出现。
func (r *Registry) ConcreteMembers(groupKey model.StoreKey, enabledOnly bool) ([]model.ArtifactStore, error) {
	group, err := r.GetGroup(groupKey)
	if err != nil {
		return nil, err
	}
	seen := map[model.StoreKey]struct{}{groupKey: {}}
	var out []model.ArtifactStore
	var walk func(g *model.Group)
	walk = func(g *model.Group) {
		for _, memberKey := range g.Constituents {
			if _, dup := seen[memberKey]; dup {
				continue
			}
			seen[memberKey] = struct{}{}
			member, err := r.Get(memberKey)
			if err != nil {
				continue
			}
			if enabledOnly && member.Base().Disabled {
				continue
			}
			if nested, ok := member.(*model.Group); ok {
				walk(nested)
				continue
			}
			out = append(out, member)
		}
	}
	walk(group)
	return out, nil
}

// GroupsReaching 返回展开后包含 key 的全部 group（含间接嵌套）。
func (r *Registry) GroupsReaching(key model.StoreKey) []*model.Group {
	var groups []*model.Group
	for _, store := range r.Query(Query{PackageType: key.PackageType, Types: []model.StoreType{model.StoreTypeGroup}}) {
		group := store.(*model.Group)
		members, err := r.ConcreteMembers(group.Key(), false)
		if err != nil {
			continue
		}
		for _, m := range members {
			if m.Key() == key {
				groups = append(groups, group)
				break
			}
		}
	}
	return groups
}

// Store 写入仓库定义。skipIfExists 为 true 且仓库已存在时返回 (false, nil)。
// 对已有仓库的更新要求 store 的 Revision 与当前值一致，否则返回 ErrInconsistent。
// 成功后 store 的 Revision 会被更新为新值。
func (r *Registry) Store(ctx context.Context, store model.ArtifactStore, summary model.ChangeSummary, skipIfExists, fireEvents bool, meta model.EventMetadata) (bool, error) {
	if err := model.ValidateKind(store); err != nil {
		return false, err
	}
	key := model.Intern(store.Key())
	unlock, err := r.keyLocks.Lock(ctx, key, r.lockTimeout)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	r.mu.RLock()
	existing, exists := r.stores[key]
	r.mu.RUnlock()

	if exists && skipIfExists {
		return false, nil
	}
	if exists && existing.Base().Revision != store.Base().Revision {
		return false, fmt.Errorf("%s: revision %d, current %d: %w", key, store.Base().Revision, existing.Base().Revision, ErrInconsistent)
	}

	next := store.Clone()
	next.Base().StoreKey = key
	if exists {
		next.Base().Revision = existing.Base().Revision + 1
	} else {
		next.Base().Revision = 1
	}
	if summary.Time.IsZero() {
		summary.Time = time.Now().UTC()
	}

	if r.persister != nil {
		if err := r.persister.Save(ctx, next, summary); err != nil {
			return false, fmt.Errorf("persist %s: %w", key, err)
		}
	}

	r.mu.Lock()
	r.stores[key] = next
	r.mu.Unlock()
	store.Base().Revision = next.Base().Revision

	r.record(ChangeRecord{Kind: ChangeStored, Key: key, Revision: next.Base().Revision, Summary: summary})
	r.logger.WithFields(logging.StoreFields("store_saved", key, summary.User)).
		WithField("revision", next.Base().Revision).
		Debug(summary.Description)

	if fireEvents {
		var previous model.ArtifactStore
		if exists {
			previous = existing.Clone()
		}
		r.notify(Change{Kind: ChangeStored, Key: key, Store: next.Clone(), Previous: previous, Summary: summary, Meta: meta})
	}
	return true, nil
}

// Delete 删除仓库定义；不存在时返回 (false, nil)。
func (r *Registry) Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary, meta model.EventMetadata) (bool, error) {
	unlock, err := r.keyLocks.Lock(ctx, key, r.lockTimeout)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	r.mu.RLock()
	existing, exists := r.stores[key]
	r.mu.RUnlock()
	if !exists {
		return false, nil
	}
	if summary.Time.IsZero() {
		summary.Time = time.Now().UTC()
	}
	if r.persister != nil {
		if err := r.persister.Delete(ctx, key, summary); err != nil {
			return false, fmt.Errorf("persist delete %s: %w", key, err)
		}
	}

	r.mu.Lock()
	delete(r.stores, key)
	r.mu.Unlock()

	r.record(ChangeRecord{Kind: ChangeDeleted, Key: key, Revision: existing.Base().Revision, Summary: summary})
	r.logger.WithFields(logging.StoreFields("store_deleted", key, summary.User)).Debug(summary.Description)
	r.notify(Change{Kind: ChangeDeleted, Key: key, Previous: existing.Clone(), Summary: summary, Meta: meta})
	return true, nil
}

// Changes 返回 key 的审计记录（最早在前）；零值 key 返回全部。
func (r *Registry) Changes(key model.StoreKey) []ChangeRecord {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	var out []ChangeRecord
	for _, rec := range r.changeLog {
		if key.IsZero() || rec.Key == key {
			out = append(out, rec)
		}
	}
	return out
}

// Close 关闭持久化后端。
func (r *Registry) Close() error {
	if r.persister == nil {
		return nil
	}
	return r.persister.Close()
}

func (r *Registry) record(rec ChangeRecord) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	r.changeLog = append(r.changeLog, rec)
	if len(r.changeLog) > defaultChangeLogSize {
		r.changeLog = append([]ChangeRecord(nil), r.changeLog[len(r.changeLog)-defaultChangeLogSize:]...)
	}
}

func (r *Registry) notify(change Change) {
	r.listenerMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenerMu.RUnlock()
	for _, listener := range listeners {
		listener(change)
	}
}
