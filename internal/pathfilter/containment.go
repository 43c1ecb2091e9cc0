package pathfilter

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
)

// DefaultBatchSize 是单次包含性查询的默认成员数上限。
const DefaultBatchSize = 50

// ContainmentIndex 回答“哪些 hosted 仓库的物理存储包含目录 dir”。
type ContainmentIndex interface {
	Contains(ctx context.Context, stores []model.ArtifactStore, dir string) (map[model.StoreKey]bool, error)
}

// StartedChecker 由 GA 级缓存实现，启动完成前返回 false。
type StartedChecker interface {
	Started() bool
}

// CacheContainmentIndex 直接检查磁盘缓存中的目录。
type CacheContainmentIndex struct {
	cache *cache.Cache
}

// NewCacheContainmentIndex 基于磁盘缓存创建索引。
func NewCacheContainmentIndex(c *cache.Cache) *CacheContainmentIndex {
	return &CacheContainmentIndex{cache: c}
}

func (i *CacheContainmentIndex) Contains(ctx context.Context, stores []model.ArtifactStore, dir string) (map[model.StoreKey]bool, error) {
	result := make(map[model.StoreKey]bool, len(stores))
	var errs []error
	for _, store := range stores {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := i.cache.ContainsDir(i.cache.LocationFor(store), dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result[store.Key()] = ok
	}
	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	return result, nil
}

// StorageContainmentFilter 只保留 remote 以及存储中确实包含路径所在目录的 hosted 仓库。
type StorageContainmentFilter struct {
	index     ContainmentIndex
	batchSize int
	gaCache   StartedChecker
	logger    *logrus.Logger
}

// NewStorageContainmentFilter 创建过滤器；index 为 nil 时过滤器不生效，gaCache 可为 nil。
func NewStorageContainmentFilter(index ContainmentIndex, batchSize int, gaCache StartedChecker, logger *logrus.Logger) *StorageContainmentFilter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StorageContainmentFilter{index: index, batchSize: batchSize, gaCache: gaCache, logger: logger}
}

func (f *StorageContainmentFilter) Name() string { return "storage-containment" }

func (f *StorageContainmentFilter) Priority() int { return 10 }

func (f *StorageContainmentFilter) CanProcess(p string, group *model.Group) bool {
	if f.index == nil {
		return false
	}
	pkg := group.Key().PackageType
	if pkgtype.StrategyPath(pkg, p) == "" {
		return false
	}
	if pkg == model.PackageTypeMaven && maven.IsNonSnapshotMetadata(p) && f.gaCache != nil && f.gaCache.Started() {
		return false
	}
	return true
}

func (f *StorageContainmentFilter) Filter(ctx context.Context, p string, group *model.Group, candidates []model.ArtifactStore) []model.ArtifactStore {
	dir := pkgtype.StrategyPath(group.Key().PackageType, p)

	var hosted []model.ArtifactStore
	for _, s := range candidates {
		if s.Key().Type == model.StoreTypeHosted {
			hosted = append(hosted, s)
		}
	}
	contained := make(map[model.StoreKey]bool, len(hosted))
	for start := 0; start < len(hosted); start += f.batchSize {
		end := min(start+f.batchSize, len(hosted))
		batch := hosted[start:end]
		found, err := f.index.Contains(ctx, batch, dir)
		if err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"action": "containment_query",
				"group":  group.Key().String(),
				"dir":    dir,
				"batch":  len(batch),
			}).Warn("containment_query_failed")
			for _, s := range batch {
				contained[s.Key()] = true
			}
			continue
		}
		for _, s := range batch {
			if found[s.Key()] {
				contained[s.Key()] = true
			}
		}
	}

	out := make([]model.ArtifactStore, 0, len(candidates))
	for _, s := range candidates {
		if s.Key().Type != model.StoreTypeHosted || contained[s.Key()] {
			out = append(out, s)
		}
	}
	return out
}
