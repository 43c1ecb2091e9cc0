// Package content 实现按仓库的内容访问：存在性检查、加锁获取、写入、删除，以及 group 的合并感知解析。
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/logging"
	"github.com/any-hub/any-depot/internal/metrics"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pathfilter"
	"github.com/any-hub/any-depot/internal/pkgtype"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
	"github.com/any-hub/any-depot/internal/transport"
)

// StoreLookup 是解析器需要的注册表只读视图。
type StoreLookup interface {
	Get(key model.StoreKey) (model.ArtifactStore, error)
	GetGroup(key model.StoreKey) (*model.Group, error)
	ConcreteMembers(groupKey model.StoreKey, enabledOnly bool) ([]model.ArtifactStore, error)
}

// GroupMerger 为可合并路径生成 group 槽位中的结果。
type GroupMerger interface {
	Merge(ctx context.Context, group *model.Group, p string, members []model.ArtifactStore, meta model.EventMetadata) (*cache.Transfer, error)
}

// Option 定制 Resolver。
type Option func(*Resolver)

// WithChain 指定 group 成员过滤链。
func WithChain(chain *pathfilter.Chain) Option {
	return func(r *Resolver) { r.chain = chain }
}

// WithMetrics 指定指标上报。
func WithMetrics(rec metrics.Recorder) Option {
	return func(r *Resolver) { r.metrics = metrics.OrNoop(rec) }
}

// WithEventBus 用于发布 Accessed 事件。
func WithEventBus(bus *events.Bus) Option {
	return func(r *Resolver) { r.bus = bus }
}

// WithFetchTimeout 限定共享回源的总耗时；回源不随单个调用方取消。
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// Resolver 是单仓库内容访问原语，同时负责 group 的成员遍历。
type Resolver struct {
	cache   *cache.Cache
	stores  StoreLookup
	fetcher *transport.Fetcher
	chain   *pathfilter.Chain
	merger  GroupMerger
	metrics metrics.Recorder
	bus     *events.Bus
	logger  *logrus.Logger
	flight  singleflight.Group

	fetchTimeout time.Duration
}

const defaultFetchTimeout = 10 * time.Minute

// NewResolver 创建解析器；fetcher 为 nil 时 remote 仓库只提供已缓存内容。
func NewResolver(c *cache.Cache, stores StoreLookup, fetcher *transport.Fetcher, opts ...Option) *Resolver {
	r := &Resolver{cache: c, stores: stores, fetcher: fetcher, metrics: metrics.Noop{}, fetchTimeout: defaultFetchTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	if r.chain == nil {
		r.chain = pathfilter.NewChain(r.logger)
	}
	return r
}

// SetMerger 在启动阶段注入合并引擎。
func (r *Resolver) SetMerger(m GroupMerger) {
	r.merger = m
}

// Cache 返回底层磁盘缓存。
func (r *Resolver) Cache() *cache.Cache {
	return r.cache
}

// Transfer 返回 store 中 p 的内容句柄。
func (r *Resolver) Transfer(store model.ArtifactStore, p string) *cache.Transfer {
	return r.cache.Transfer(r.cache.LocationFor(store), p)
}

// Exists 判断 p 是否存在。remote 仓库优先使用缓存内容与回源记录，最后才发起 HEAD。
func (r *Resolver) Exists(ctx context.Context, store model.ArtifactStore, p string) (bool, error) {
	if store.Base().Disabled || !store.Base().AllowsPath(p) {
		return false, nil
	}
	switch s := store.(type) {
	case *model.HostedRepository:
		if pkgtype.IsListingPath(p) {
			return r.cache.ContainsDir(r.cache.LocationFor(s), p)
		}
		return r.Transfer(s, p).Exists(), nil
	case *model.Group:
		if r.Transfer(s, p).Exists() {
			return true, nil
		}
		members, err := r.groupCandidates(ctx, s, p)
		if err != nil {
			return false, err
		}
		for _, member := range members {
			ok, err := r.Exists(ctx, member, p)
			if err != nil {
				r.logger.WithError(err).WithFields(logging.ContentFields(member.Key(), p, false)).Warn("exists_check_failed")
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *model.RemoteRepository:
		t := r.Transfer(s, p)
		if t.Exists() {
			return true, nil
		}
		if ex, err := cache.ReadHTTPExchange(t); err == nil {
			if ex.NotFound() {
				return false, nil
			}
			if ex.Found() && ex.Method == "HEAD" {
				return true, nil
			}
		}
		if r.fetcher == nil {
			return false, nil
		}
		ex, err := r.fetcher.Head(ctx, s, p)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrIOFailure, err)
		}
		if werr := cache.WriteHTTPExchange(ctx, t, ex); werr != nil {
			r.logger.WithError(werr).WithFields(logging.ContentFields(s.Key(), p, false)).Warn("http_metadata_write_failed")
		}
		return ex.Found(), nil
	}
	return false, fmt.Errorf("unsupported store %T", store)
}

// Get 返回 p 的内容句柄；确实不存在时返回 (nil, nil)。
// remote 仓库的回源在写锁内完成，同一 (仓库, 路径) 同时只有一个回源。
func (r *Resolver) Get(ctx context.Context, store model.ArtifactStore, p string, meta model.EventMetadata) (*cache.Transfer, error) {
	if store.Base().Disabled || !store.Base().AllowsPath(p) {
		return nil, nil
	}
	switch s := store.(type) {
	case *model.Group:
		return r.ResolveGroup(ctx, s, p, meta)
	case *model.HostedRepository:
		return r.getHosted(ctx, s, p, meta)
	case *model.RemoteRepository:
		return r.getRemote(ctx, s, p, meta)
	}
	return nil, fmt.Errorf("unsupported store %T", store)
}

// GetByKey 查找仓库后调用 Get。
func (r *Resolver) GetByKey(ctx context.Context, key model.StoreKey, p string, meta model.EventMetadata) (*cache.Transfer, error) {
	store, err := r.stores.Get(key)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, store, p, meta)
}

func (r *Resolver) getHosted(ctx context.Context, s *model.HostedRepository, p string, meta model.EventMetadata) (*cache.Transfer, error) {
	t := r.Transfer(s, p)
	if pkgtype.IsListingPath(t.Path()) {
		return r.generateListing(ctx, s, t)
	}
	if !t.Exists() {
		r.metrics.IncFetch(string(model.StoreTypeHosted), "not_found")
		return nil, nil
	}
	r.metrics.IncFetch(string(model.StoreTypeHosted), "hit")
	r.accessed(t, meta)
	return t, nil
}

// generateListing 为 hosted 目录重新生成列表文件，内容来自存储目录本身。
func (r *Resolver) generateListing(ctx context.Context, s *model.HostedRepository, t *cache.Transfer) (*cache.Transfer, error) {
	unlock, err := t.LockWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	names, err := t.List()
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrIOFailure, t, err)
	}
	listingFile := path.Base(t.StoragePath())
	filtered := names[:0]
	for _, name := range names {
		if name != listingFile {
			filtered = append(filtered, name)
		}
	}
	body := RenderListing(t.Path(), ListingFromNames(filtered))
	if err := t.WriteBytes(ctx, body, cache.OpGenerate, model.EventMetadata{SuppressEvents: true}); err != nil {
		return nil, fmt.Errorf("%w: write listing %s: %w", ErrIOFailure, t, err)
	}
	return t, nil
}

func (r *Resolver) getRemote(ctx context.Context, s *model.RemoteRepository, p string, meta model.EventMetadata) (*cache.Transfer, error) {
	t := r.Transfer(s, p)
	storeType := string(model.StoreTypeRemote)
	if t.Exists() && !meta.ForceRefresh {
		r.metrics.IncFetch(storeType, "hit")
		r.accessed(t, meta)
		return t, nil
	}

	flightKey := s.Key().String() + "|" + t.StoragePath()
	ch := r.flight.DoChan(flightKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return r.fetchRemote(fetchCtx, s, t, meta)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		r.metrics.IncFetch(storeType, "error")
		return nil, res.Err
	}
	result := res.Val.(fetchResult)
	r.metrics.IncFetch(storeType, result.outcome)
	if !result.found {
		return nil, nil
	}
	if result.outcome == "hit" {
		r.accessed(t, meta)
	}
	return t, nil
}

type fetchResult struct {
	found   bool
	outcome string
}

func (r *Resolver) fetchRemote(ctx context.Context, s *model.RemoteRepository, t *cache.Transfer, meta model.EventMetadata) (fetchResult, error) {
	unlock, err := t.LockWrite(ctx)
	if err != nil {
		return fetchResult{}, err
	}
	defer unlock()

	if !meta.ForceRefresh {
		if t.Exists() {
			return fetchResult{found: true, outcome: "hit"}, nil
		}
		if ex, err := cache.ReadHTTPExchange(t); err == nil && ex.NotFound() {
			return fetchResult{outcome: "cached_not_found"}, nil
		}
	}
	if r.fetcher == nil {
		return fetchResult{outcome: "not_found"}, nil
	}

	fields := logging.ContentFields(s.Key(), t.Path(), false)
	resp, err := r.fetcher.Get(ctx, s, t.Path())
	if resp != nil && resp.Exchange.StatusCode != 0 {
		if werr := cache.WriteHTTPExchange(ctx, t, resp.Exchange); werr != nil {
			r.logger.WithError(werr).WithFields(fields).Warn("http_metadata_write_failed")
		}
	}
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	defer resp.Close()
	if !resp.Exchange.Found() {
		return fetchResult{outcome: "not_found"}, nil
	}

	n, err := t.Write(ctx, resp.Body, cache.OpDownload, meta)
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("content_fetch_failed")
		return fetchResult{}, fmt.Errorf("%w: store %s: %w", ErrIOFailure, t, err)
	}
	fields["bytes"] = n
	r.logger.WithFields(fields).Debug("content_downloaded")
	return fetchResult{found: true, outcome: "downloaded"}, nil
}

// Store 写入内容。只读 hosted 仓库（除非 IgnoreReadonly）与 PathMasks 之外的路径返回 ErrWriteConflict。
func (r *Resolver) Store(ctx context.Context, store model.ArtifactStore, p string, body io.Reader, op cache.Operation, meta model.EventMetadata) (*cache.Transfer, error) {
	if err := r.checkWritable(store, p, meta); err != nil {
		return nil, err
	}
	t := r.Transfer(store, p)
	unlock, err := t.LockWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := t.Write(ctx, body, op, meta); err != nil {
		return nil, fmt.Errorf("%w: store %s: %w", ErrIOFailure, t, err)
	}
	return t, nil
}

// Update 在写锁内读取 p 的当前内容（不存在时为 nil），由 fn 生成新内容后写回。
// 读与写处于同一临界区，并发的 Update 不会互相覆盖。
func (r *Resolver) Update(ctx context.Context, store model.ArtifactStore, p string, op cache.Operation, meta model.EventMetadata, fn func(current []byte) ([]byte, error)) (*cache.Transfer, error) {
	if err := r.checkWritable(store, p, meta); err != nil {
		return nil, err
	}
	t := r.Transfer(store, p)
	unlock, err := t.LockWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	current, err := t.ReadAll()
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIOFailure, t, err)
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if err := t.WriteBytes(ctx, next, op, meta); err != nil {
		return nil, fmt.Errorf("%w: store %s: %w", ErrIOFailure, t, err)
	}
	return t, nil
}

// Delete 删除内容，幂等；remote 仓库同时清除回源记录。
func (r *Resolver) Delete(ctx context.Context, store model.ArtifactStore, p string, meta model.EventMetadata) (bool, error) {
	if hosted, ok := store.(*model.HostedRepository); ok && hosted.Readonly && !meta.IgnoreReadonly {
		return false, fmt.Errorf("%s is readonly: %w", store.Key(), ErrWriteConflict)
	}
	t := r.Transfer(store, p)
	unlock, err := t.LockWrite(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	if store.Key().Type == model.StoreTypeRemote {
		_, _ = t.SiblingMeta(cache.HTTPMetadataSuffix).Delete(ctx, meta)
	}
	deleted, err := t.Delete(ctx, meta)
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %w", ErrIOFailure, t, err)
	}
	return deleted, nil
}

func (r *Resolver) checkWritable(store model.ArtifactStore, p string, meta model.EventMetadata) error {
	if !store.Base().AllowsPath(p) {
		return fmt.Errorf("%s does not accept %s: %w", store.Key(), p, ErrWriteConflict)
	}
	hosted, ok := store.(*model.HostedRepository)
	if !ok {
		return nil
	}
	if hosted.Readonly && !meta.IgnoreReadonly {
		return fmt.Errorf("%s is readonly: %w", store.Key(), ErrWriteConflict)
	}
	if hosted.Key().PackageType == model.PackageTypeMaven {
		info := pkgtype.Classify(model.PackageTypeMaven, p)
		if info.Metadata || info.Listing || pkgtype.IsChecksumPath(p) {
			return nil
		}
		snapshot := maven.IsSnapshotPath(p)
		if snapshot && !hosted.AllowSnapshots {
			return fmt.Errorf("%s does not allow snapshots: %w", store.Key(), ErrWriteConflict)
		}
		if !snapshot && !hosted.AllowReleases {
			return fmt.Errorf("%s does not allow releases: %w", store.Key(), ErrWriteConflict)
		}
	}
	return nil
}

// ResolveGroup 按成员顺序解析 group 中的 p；可合并路径交给合并引擎。
func (r *Resolver) ResolveGroup(ctx context.Context, group *model.Group, p string, meta model.EventMetadata) (*cache.Transfer, error) {
	members, err := r.groupCandidates(ctx, group, p)
	if err != nil {
		return nil, err
	}
	info := pkgtype.Classify(group.Key().PackageType, p)
	if info.Mergable && r.merger != nil {
		return r.merger.Merge(ctx, group, p, members, meta)
	}

	var errs []error
	for _, member := range members {
		t, err := r.Get(ctx, member, p, meta)
		if err != nil {
			r.logger.WithError(err).WithFields(logging.ContentFields(member.Key(), p, false)).
				WithField("group", group.Key().String()).Warn("group_member_failed")
			errs = append(errs, err)
			continue
		}
		if t != nil {
			return t, nil
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, nil
}

// ResolveGroupByKey 查找 group 后调用 ResolveGroup。
func (r *Resolver) ResolveGroupByKey(ctx context.Context, key model.StoreKey, p string, meta model.EventMetadata) (*cache.Transfer, error) {
	group, err := r.stores.GetGroup(key)
	if err != nil {
		return nil, err
	}
	return r.ResolveGroup(ctx, group, p, meta)
}

// ResolveAll 按顺序从每个成员获取 p，返回实际取到内容的句柄；单个成员失败只记录日志。
func (r *Resolver) ResolveAll(ctx context.Context, members []model.ArtifactStore, p string, meta model.EventMetadata) ([]*cache.Transfer, error) {
	var (
		found []*cache.Transfer
		errs  []error
	)
	for _, member := range members {
		t, err := r.Get(ctx, member, p, meta)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.WithError(err).WithFields(logging.ContentFields(member.Key(), p, false)).Warn("group_member_failed")
			errs = append(errs, err)
			continue
		}
		if t != nil {
			found = append(found, t)
		}
	}
	if len(found) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return found, nil
}

func (r *Resolver) groupCandidates(ctx context.Context, group *model.Group, p string) ([]model.ArtifactStore, error) {
	members, err := r.stores.ConcreteMembers(group.Key(), true)
	if err != nil {
		return nil, err
	}
	return r.chain.Apply(ctx, pkgtype.Normalize(p), group, members), nil
}

func (r *Resolver) accessed(t *cache.Transfer, meta model.EventMetadata) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.FileEvent{Kind: events.Accessed, Key: t.Key(), Path: t.Path(), Meta: meta})
}

// WritableMember 返回 group 中第一个可以写入 p 的 hosted 成员。
func (r *Resolver) WritableMember(group *model.Group, p string) (*model.HostedRepository, error) {
	members, err := r.stores.ConcreteMembers(group.Key(), true)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		hosted, ok := member.(*model.HostedRepository)
		if !ok {
			continue
		}
		if r.checkWritable(hosted, p, model.EventMetadata{}) == nil {
			return hosted, nil
		}
	}
	return nil, fmt.Errorf("%s has no writable member for %s: %w", group.Key(), p, ErrWriteConflict)
}
