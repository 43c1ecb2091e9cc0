package relations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/logging"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
)

const maxParentDepth = 10

// StoreLookup 用于定位 hosted 仓库的自定义存储目录。
type StoreLookup interface {
	Get(key model.StoreKey) (model.ArtifactStore, error)
}

// Listener 在 POM 写入或被访问后解析依赖关系，写入 <pom>.rels.ser。
type Listener struct {
	cache   *cache.Cache
	stores  StoreLookup
	logger  *logrus.Logger
	timeout time.Duration
}

// NewListener 创建监听器；stores 可以为 nil，此时使用默认存储位置。
func NewListener(c *cache.Cache, stores StoreLookup, logger *logrus.Logger) *Listener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Listener{cache: c, stores: stores, logger: logger, timeout: 30 * time.Second}
}

// Attach 异步订阅 Stored 与 Accessed。
func (l *Listener) Attach(bus *events.Bus) error {
	if err := bus.SubscribeAsync(events.Stored, l.Handle); err != nil {
		return err
	}
	return bus.SubscribeAsync(events.Accessed, l.Handle)
}

// Handle 处理单个事件，非 POM 路径直接忽略。
func (l *Listener) Handle(ev events.FileEvent) {
	if ev.Key.PackageType != model.PackageTypeMaven || !strings.HasSuffix(ev.Path, ".pom") {
		return
	}
	ref, ok := maven.ParseArtifactPath(ev.Path)
	if !ok || ref.Extension != "pom" {
		return
	}
	pom := l.cache.Transfer(l.location(ev.Key), ev.Path)
	if ev.Kind == events.Accessed && l.upToDate(pom) {
		return
	}

	fields := logging.ContentFields(ev.Key, ev.Path, false)
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if _, err := l.Parse(ctx, pom, ev.Meta); err != nil {
		l.logger.WithError(err).WithFields(fields).Warn("pom_relationships_failed")
		return
	}
	l.logger.WithFields(fields).Debug("pom_relationships_stored")
}

// Parse 解析 pom 并写入旁路文件。parent 链只在同一仓库内查找。
func (l *Listener) Parse(ctx context.Context, pom *cache.Transfer, meta model.EventMetadata) (*RelationshipSet, error) {
	data, err := pom.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pom, err)
	}
	self, err := parsePOM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pom, err)
	}

	key := pom.Key()
	v := view{chain: []*pomProject{self}}
	set := &RelationshipSet{PomSources: map[string]model.StoreKey{self.ref().String(): key}}
	seen := map[string]struct{}{self.ref().String(): {}}
	for current := self; len(v.chain) <= maxParentDepth; {
		parentRef, ok := current.parentRef()
		if !ok {
			break
		}
		if _, dup := seen[parentRef.String()]; dup {
			break
		}
		seen[parentRef.String()] = struct{}{}
		parentPath := maven.ArtifactPath(parentRef.GroupID, parentRef.ArtifactID, parentRef.Version, "", "pom")
		raw, err := l.cache.Transfer(pom.Location(), parentPath).ReadAll()
		if err != nil {
			break
		}
		parent, err := parsePOM(raw)
		if err != nil {
			l.logger.WithError(err).WithFields(logging.ContentFields(key, parentPath, false)).Debug("parent_pom_unparsable")
			break
		}
		v.chain = append(v.chain, parent)
		set.PomSources[parentRef.String()] = key
		current = parent
	}

	set.Project = self.ref()
	set.Relationships = v.relationships(key)

	encoded, err := Encode(set)
	if err != nil {
		return nil, err
	}
	sidecar := pom.SiblingMeta(cache.RelationshipSuffix)
	if err := sidecar.WriteBytes(ctx, encoded, cache.OpGenerate, meta.Quiet()); err != nil {
		return nil, fmt.Errorf("write %s: %w", sidecar, err)
	}
	return set, nil
}

// Read 读取 pom 的旁路文件；不存在时返回 (nil, nil)。
func Read(pom *cache.Transfer) (*RelationshipSet, error) {
	data, err := pom.SiblingMeta(cache.RelationshipSuffix).ReadAll()
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var set RelationshipSet
	if err := Decode(data, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (l *Listener) location(key model.StoreKey) cache.Location {
	if l.stores != nil {
		if store, err := l.stores.Get(key); err == nil {
			return l.cache.LocationFor(store)
		}
	}
	return l.cache.LocationForKey(key)
}

// upToDate 判断旁路文件是否不早于 pom，访问事件据此跳过重复解析。
func (l *Listener) upToDate(pom *cache.Transfer) bool {
	pomEntry, err := pom.Stat()
	if err != nil {
		return true
	}
	sidecar, err := pom.SiblingMeta(cache.RelationshipSuffix).Stat()
	if err != nil {
		return false
	}
	return !sidecar.ModTime.Before(pomEntry.ModTime)
}
