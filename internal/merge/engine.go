// Package merge 为 group 的可合并路径（目录列表、archetype 目录、npm 包元数据及其校验和）
// 生成合并结果，写回 group 自己的缓存槽位，并记录来源以便之后按成员失效。
package merge

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/codec"
	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/metrics"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
	"github.com/any-hub/any-depot/internal/pkgtype/npm"
)

// Kind 标识合并函数。
type Kind string

const (
	KindListing     Kind = "listing"
	KindArchetype   Kind = "archetype-catalog"
	KindNPMMetadata Kind = "npm-metadata"
	KindChecksum    Kind = "checksum"
	KindPassthrough Kind = "passthrough"
)

// checksumAlgorithms 是合并结果旁生成的校验和。
var checksumAlgorithms = []cache.Algorithm{cache.MD5, cache.SHA1, cache.SHA256}

// Func 把按成员顺序排列的源内容合并为一份。
type Func func(p string, sources [][]byte) ([]byte, error)

// Provenance 记录合并结果的来源，写入 .info 旁路文件。
type Provenance struct {
	Path     string           `cbor:"path"`
	Kind     Kind             `cbor:"kind"`
	Sources  []model.StoreKey `cbor:"sources"`
	MergedAt time.Time        `cbor:"merged_at"`
}

// Contains 判断 key 是否为来源之一。
func (p Provenance) Contains(key model.StoreKey) bool {
	for _, s := range p.Sources {
		if s == key {
			return true
		}
	}
	return false
}

// Result 是一次合并的完整结果。
type Result struct {
	// Transfer 是应当返回给调用方的内容：合并成功时为 group 槽位，写入失败时为优先级最高的原始源。
	Transfer *cache.Transfer
	// Sources 是实际提供内容的成员句柄，按成员顺序排列。
	Sources   []*cache.Transfer
	Persisted bool
	Kind      Kind
}

// Engine 实现 content.GroupMerger。
type Engine struct {
	resolver *content.Resolver
	cache    *cache.Cache
	metrics  metrics.Recorder
	logger   *logrus.Logger
	now      func() time.Time
}

// NewEngine 创建合并引擎并注册到 resolver。
func NewEngine(resolver *content.Resolver, rec metrics.Recorder, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Engine{
		resolver: resolver,
		cache:    resolver.Cache(),
		metrics:  metrics.OrNoop(rec),
		logger:   logger,
		now:      time.Now,
	}
	resolver.SetMerger(e)
	return e
}

// Merge 实现 content.GroupMerger。
func (e *Engine) Merge(ctx context.Context, group *model.Group, p string, members []model.ArtifactStore, meta model.EventMetadata) (*cache.Transfer, error) {
	res, err := e.MergeDetailed(ctx, group, p, members, meta)
	if err != nil {
		return nil, err
	}
	return res.Transfer, nil
}

// MergeDetailed 执行合并；零个来源返回空 Result，表示不存在。
func (e *Engine) MergeDetailed(ctx context.Context, group *model.Group, p string, members []model.ArtifactStore, meta model.EventMetadata) (Result, error) {
	p = pkgtype.Normalize(p)
	pkg := group.Key().PackageType
	loc := e.cache.LocationFor(group)
	slot := e.cache.Transfer(loc, p)

	if pkgtype.IsChecksumPath(p) {
		target := pkgtype.ChecksumTarget(p)
		if target != p && pkgtype.Classify(pkg, target).Mergable && !pkgtype.Classify(pkg, target).Listing {
			if slot.Exists() && !meta.ForceRefresh {
				return Result{Transfer: slot, Persisted: true, Kind: KindChecksum}, nil
			}
			res, err := e.MergeDetailed(ctx, group, target, members, meta)
			if err != nil || res.Transfer == nil {
				return Result{Kind: KindChecksum}, err
			}
			if !res.Persisted {
				return Result{Sources: res.Sources, Kind: KindChecksum}, nil
			}
			if slot.Exists() {
				return Result{Transfer: slot, Persisted: true, Kind: KindChecksum}, nil
			}
			return Result{Kind: KindChecksum}, nil
		}
	}

	if slot.Exists() && !meta.ForceRefresh {
		return Result{Transfer: slot, Persisted: true, Kind: kindFor(pkg, p)}, nil
	}

	unlock, err := slot.LockWrite(ctx)
	if err != nil {
		return Result{}, err
	}
	defer unlock()
	if slot.Exists() && !meta.ForceRefresh {
		return Result{Transfer: slot, Persisted: true, Kind: kindFor(pkg, p)}, nil
	}

	kind := kindFor(pkg, p)
	memberMeta := meta
	memberMeta.ForceRefresh = false
	sources, err := e.resolver.ResolveAll(ctx, members, p, memberMeta)
	if err != nil {
		e.metrics.IncMerge(string(kind), "error")
		return Result{Kind: kind}, err
	}
	if len(sources) == 0 {
		e.metrics.IncMerge(string(kind), "not_found")
		return Result{Kind: kind}, nil
	}

	raw := make([][]byte, 0, len(sources))
	for _, src := range sources {
		data, err := src.ReadAll()
		if err != nil {
			e.metrics.IncMerge(string(kind), "error")
			return Result{Sources: sources, Kind: kind}, fmt.Errorf("%w: read %s: %w", content.ErrIOFailure, src, err)
		}
		raw = append(raw, data)
	}

	var merged []byte
	if len(raw) == 1 {
		merged = raw[0]
	} else {
		merged, err = e.mergeFunc(kind)(p, raw)
		if err != nil {
			e.logger.WithError(err).WithFields(e.fields(group, p, kind)).Warn("merge_failed")
			e.metrics.IncMerge(string(kind), "error")
			return Result{Transfer: sources[0], Sources: sources, Kind: kind}, nil
		}
	}

	if err := e.persist(ctx, slot, merged, kind, sources); err != nil {
		e.logger.WithError(err).WithFields(e.fields(group, p, kind)).Warn("merge_persist_failed")
		e.metrics.IncMerge(string(kind), "persist_failed")
		_, _ = slot.Delete(ctx, model.EventMetadata{SuppressEvents: true})
		return Result{Transfer: sources[0], Sources: sources, Kind: kind}, nil
	}

	e.metrics.IncMerge(string(kind), "ok")
	e.logger.WithFields(e.fields(group, p, kind)).WithField("sources", len(sources)).Debug("merge_completed")
	return Result{Transfer: slot, Sources: sources, Persisted: true, Kind: kind}, nil
}

// persist 写入合并结果、校验和与来源记录；全部完成后结果才算有效。
func (e *Engine) persist(ctx context.Context, slot *cache.Transfer, merged []byte, kind Kind, sources []*cache.Transfer) error {
	quiet := model.EventMetadata{SuppressEvents: true}
	if err := slot.WriteBytes(ctx, merged, cache.OpGenerate, quiet); err != nil {
		return err
	}
	if kind != KindListing {
		sums, _, err := cache.DigestReader(bytesReader(merged), checksumAlgorithms...)
		if err != nil {
			return err
		}
		for _, alg := range checksumAlgorithms {
			sumT := checksumSibling(slot, alg)
			if err := sumT.WriteBytes(ctx, []byte(sums[alg]), cache.OpGenerate, quiet); err != nil {
				return err
			}
		}
	}
	prov := Provenance{Path: slot.Path(), Kind: kind, MergedAt: e.now().UTC()}
	for _, src := range sources {
		prov.Sources = append(prov.Sources, src.Key())
	}
	data, err := codec.Marshal(prov)
	if err != nil {
		return err
	}
	return slot.SiblingMeta(cache.MergeInfoSuffix).WriteBytes(ctx, data, cache.OpGenerate, quiet)
}

// ReadProvenance 读取 slot 的来源记录。
func ReadProvenance(slot *cache.Transfer) (*Provenance, error) {
	data, err := slot.SiblingMeta(cache.MergeInfoSuffix).ReadAll()
	if err != nil {
		return nil, err
	}
	var prov Provenance
	if err := codec.Unmarshal(data, &prov); err != nil {
		return nil, fmt.Errorf("decode provenance: %w", err)
	}
	return &prov, nil
}

// Invalidate 删除 group 槽位中的合并结果、校验和与来源记录。
func Invalidate(ctx context.Context, slot *cache.Transfer) (bool, error) {
	quiet := model.EventMetadata{SuppressEvents: true}
	deleted, err := slot.Delete(ctx, quiet)
	if err != nil {
		return false, err
	}
	if !pkgtype.IsListingPath(slot.Path()) {
		for _, alg := range checksumAlgorithms {
			_, _ = checksumSibling(slot, alg).Delete(ctx, quiet)
		}
	}
	_, _ = slot.SiblingMeta(cache.MergeInfoSuffix).Delete(ctx, quiet)
	return deleted, nil
}

func (e *Engine) mergeFunc(kind Kind) Func {
	switch kind {
	case KindListing:
		return MergeListings
	case KindArchetype:
		return MergeArchetypeCatalogs
	case KindNPMMetadata:
		return MergePackageMetadata
	default:
		return firstSource
	}
}

func (e *Engine) fields(group *model.Group, p string, kind Kind) logrus.Fields {
	return logrus.Fields{
		"action": "group_merge",
		"group":  group.Key().String(),
		"path":   p,
		"kind":   string(kind),
	}
}

func kindFor(pkg, p string) Kind {
	info := pkgtype.Classify(pkg, p)
	switch {
	case info.Listing:
		return KindListing
	case pkg == model.PackageTypeMaven && path.Base(p) == maven.ArchetypeCatalog:
		return KindArchetype
	case pkg == model.PackageTypeNPM && npm.IsPackageMetadata(p):
		return KindNPMMetadata
	case pkgtype.IsChecksumPath(p):
		return KindChecksum
	default:
		return KindPassthrough
	}
}

func checksumSibling(slot *cache.Transfer, alg cache.Algorithm) *cache.Transfer {
	return slot.Sibling(slot.Base() + cache.ChecksumSuffix(alg))
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

func firstSource(_ string, sources [][]byte) ([]byte, error) {
	return sources[0], nil
}
