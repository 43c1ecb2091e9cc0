package pathfilter

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
)

// GAIndex 记录每个 groupId/artifactId 目录出现在哪些 maven hosted 仓库中。
// 启动扫描完成前 Started 返回 false，过滤器此时不使用它。
type GAIndex struct {
	cache   *cache.Cache
	logger  *logrus.Logger
	started atomic.Bool

	mu      sync.RWMutex
	holders map[string]map[model.StoreKey]struct{}
}

// NewGAIndex 创建空索引。
func NewGAIndex(c *cache.Cache, logger *logrus.Logger) *GAIndex {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GAIndex{cache: c, logger: logger, holders: make(map[string]map[model.StoreKey]struct{})}
}

// Started 实现 StartedChecker。
func (g *GAIndex) Started() bool {
	return g.started.Load()
}

// Start 扫描 maven hosted 仓库的存储目录中的 *.pom 文件，完成后标记为已启动。
func (g *GAIndex) Start(ctx context.Context, stores []model.ArtifactStore) error {
	for _, store := range stores {
		if store.Key().Type != model.StoreTypeHosted || store.Key().PackageType != model.PackageTypeMaven {
			continue
		}
		loc := g.cache.LocationFor(store)
		for _, root := range []string{loc.Root, loc.AltRoot} {
			if root == "" {
				continue
			}
			if err := g.scan(ctx, store.Key(), root); err != nil {
				return err
			}
		}
	}
	g.started.Store(true)
	g.logger.WithFields(logrus.Fields{"action": "ga_index", "entries": g.size()}).Info("ga_index_started")
	return nil
}

func (g *GAIndex) scan(ctx context.Context, key model.StoreKey, root string) error {
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".pom") {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		g.Add(key, "/"+filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Add 记录 pom 路径所属的 GA 目录。
func (g *GAIndex) Add(key model.StoreKey, pomPath string) {
	if !strings.HasSuffix(pomPath, ".pom") {
		return
	}
	ga := gaDir(pomPath)
	if ga == "" {
		return
	}
	g.mu.Lock()
	set := g.holders[ga]
	if set == nil {
		set = make(map[model.StoreKey]struct{})
		g.holders[ga] = set
	}
	set[key] = struct{}{}
	g.mu.Unlock()
}

// RemoveStore 删除某个仓库的全部记录。
func (g *GAIndex) RemoveStore(key model.StoreKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ga, set := range g.holders {
		delete(set, key)
		if len(set) == 0 {
			delete(g.holders, ga)
		}
	}
}

// Holds 判断 key 是否包含 GA 目录 ga。
func (g *GAIndex) Holds(key model.StoreKey, ga string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.holders[pkgtype.Normalize(ga)][key]
	return ok
}

// HandleEvent 跟随 hosted 仓库的 pom 写入更新索引。
func (g *GAIndex) HandleEvent(ev events.FileEvent) {
	if ev.Kind != events.Stored || ev.Key.Type != model.StoreTypeHosted || ev.Key.PackageType != model.PackageTypeMaven {
		return
	}
	g.Add(ev.Key, ev.Path)
}

func (g *GAIndex) size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.holders)
}

// gaDir 由 g/a/v/a-v.pom 推出 g/a/。
func gaDir(pomPath string) string {
	versionDir := pkgtype.ParentDir(pkgtype.Normalize(pomPath))
	if versionDir == "" || versionDir == "/" {
		return ""
	}
	ga := pkgtype.ParentDir(versionDir)
	if ga == "/" {
		return ""
	}
	return ga
}

// GAMetadataFilter 对 GA 级 maven-metadata.xml 只保留 remote 与索引中持有该 GA 的 hosted 仓库。
type GAMetadataFilter struct {
	index *GAIndex
}

// NewGAMetadataFilter 创建过滤器。
func NewGAMetadataFilter(index *GAIndex) *GAMetadataFilter {
	return &GAMetadataFilter{index: index}
}

func (f *GAMetadataFilter) Name() string { return "ga-metadata" }

func (f *GAMetadataFilter) Priority() int { return 5 }

func (f *GAMetadataFilter) CanProcess(p string, group *model.Group) bool {
	return f.index != nil && f.index.Started() &&
		group.Key().PackageType == model.PackageTypeMaven && maven.IsNonSnapshotMetadata(p)
}

func (f *GAMetadataFilter) Filter(_ context.Context, p string, _ *model.Group, candidates []model.ArtifactStore) []model.ArtifactStore {
	ga := pkgtype.ParentDir(pkgtype.Normalize(p))
	out := make([]model.ArtifactStore, 0, len(candidates))
	for _, s := range candidates {
		if s.Key().Type != model.StoreTypeHosted || f.index.Holds(s.Key(), ga) {
			out = append(out, s)
		}
	}
	return out
}
