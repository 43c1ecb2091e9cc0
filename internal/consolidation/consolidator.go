// Package consolidation 把 Koji 构建产物从临时 remote 复制到只读 hosted 仓库，
// 完成后把 remote 从 group 中摘除。
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/koji"
	"github.com/any-hub/any-depot/internal/locks"
	"github.com/any-hub/any-depot/internal/logging"
	"github.com/any-hub/any-depot/internal/metrics"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
	"github.com/any-hub/any-depot/internal/workpool"
)

var (
	// ErrChecksumMismatch 表示下载或入库后的摘要与预期不符。
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrPermanentFailure 表示某个产物用尽了重试次数，整次 consolidation 失败。
	ErrPermanentFailure = errors.New("consolidation failed permanently")
)

// State 是一次 consolidation 的阶段。
type State string

const (
	StateStarted         State = "started"
	StateDownloading     State = "downloading"
	StateMetadataCleanup State = "metadata_cleanup"
	StateFinalizing      State = "finalizing"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
)

// Registry 是 consolidation 需要的仓库注册表操作。
type Registry interface {
	Get(key model.StoreKey) (model.ArtifactStore, error)
	GetGroup(key model.StoreKey) (*model.Group, error)
	Store(ctx context.Context, store model.ArtifactStore, summary model.ChangeSummary, skipIfExists, fireEvents bool, meta model.EventMetadata) (bool, error)
	Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary, meta model.EventMetadata) (bool, error)
}

// Options 调整并发、摘要算法与重试次数。
type Options struct {
	Workers         int
	MetadataWorkers int
	MaxAttempts     int
	Digest          cache.Algorithm
	LockTimeout     time.Duration
	Metrics         metrics.Recorder
	Logger          *logrus.Logger
	// Executor 承载 Start 提交的后台任务；为空时 Start 自行启动 goroutine。
	Executor *workpool.Executor
}

// Report 记录一次 consolidation 的进度与结果。
type Report struct {
	NVR      string    `json:"nvr"`
	Target   string    `json:"target"`
	Group    string    `json:"group"`
	State    State     `json:"state"`
	Stored   []string  `json:"stored,omitempty"`
	Skipped  []string  `json:"skipped,omitempty"`
	Failed   []string  `json:"failed,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Consolidator 执行 consolidation。
type Consolidator struct {
	reg      Registry
	resolver *content.Resolver
	locker   *locks.Locker[model.StoreKey]
	opts     Options
	logger   *logrus.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	mu      sync.Mutex
	reports map[string]*Report
}

// New 创建 Consolidator；locker 是 group 成员变更锁，与其他修改 group 成员的流程共用。
func New(reg Registry, resolver *content.Resolver, locker *locks.Locker[model.StoreKey], opts Options) *Consolidator {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.MetadataWorkers <= 0 {
		opts.MetadataWorkers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Digest == "" {
		opts.Digest = cache.MD5
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if locker == nil {
		locker = locks.New[model.StoreKey]()
	}
	return &Consolidator{
		reg:      reg,
		resolver: resolver,
		locker:   locker,
		opts:     opts,
		logger:   logger,
		metrics:  metrics.OrNoop(opts.Metrics),
		now:      time.Now,
		reports:  make(map[string]*Report),
	}
}

// TargetFor 返回（必要时创建）只读、禁止 snapshot 的 hosted 目标仓库，并保证它位于 group 成员首位。
// storeGroup 为 false 时只修改传入的 group 副本，由调用方负责持久化。
func (c *Consolidator) TargetFor(ctx context.Context, group *model.Group, targetName, user string, storeGroup bool) (*model.HostedRepository, error) {
	key := model.NewStoreKey(model.PackageTypeMaven, model.StoreTypeHosted, targetName)
	summary := model.NewChangeSummary(user, "Creating Koji consolidation target repository.")

	var target *model.HostedRepository
	existing, err := c.reg.Get(key)
	switch {
	case err == nil:
		hosted, ok := existing.(*model.HostedRepository)
		if !ok {
			return nil, fmt.Errorf("%s is not a hosted repository", key)
		}
		target = hosted
	default:
		target = model.NewHostedRepository(model.PackageTypeMaven, targetName)
		target.Readonly = true
		target.AllowSnapshots = false
		created, err := c.reg.Store(ctx, target, summary, true, true, model.EventMetadata{})
		if err != nil {
			return nil, fmt.Errorf("store consolidation target %s: %w", key, err)
		}
		if !created {
			// 并发请求已先一步创建。
			current, err := c.reg.Get(key)
			if err != nil {
				return nil, err
			}
			hosted, ok := current.(*model.HostedRepository)
			if !ok {
				return nil, fmt.Errorf("%s is not a hosted repository", key)
			}
			target = hosted
		}
	}

	if !storeGroup {
		group.InsertConstituent(0, key)
		return target, nil
	}
	// 与 Prepare/finalize 共用成员锁，并基于最新的 group 定义修改，避免修订号冲突。
	err = c.locker.LockAnd(ctx, group.Key(), c.opts.LockTimeout, func() error {
		current, err := c.reg.GetGroup(group.Key())
		if err != nil {
			return err
		}
		if !current.InsertConstituent(0, key) {
			return nil
		}
		_, err = c.reg.Store(ctx, current, summary, false, true, model.EventMetadata{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("add %s to %s: %w", key, group.Key(), err)
	}
	group.InsertConstituent(0, key)
	return target, nil
}

// Prepare 注册构建的临时 remote，并把它追加到 group 成员末尾。
// remote 已存在时沿用注册表中的定义，并清除上一次失败留下的标记。
func (c *Consolidator) Prepare(ctx context.Context, build *koji.BuildRemote, groupKey model.StoreKey, user string) error {
	summary := model.NewChangeSummary(user, "Adding Koji build remote "+build.Build.NVR)
	if _, err := c.reg.Store(ctx, build.Remote, summary, true, true, model.EventMetadata{}); err != nil {
		return fmt.Errorf("store %s: %w", build.Remote.Key(), err)
	}
	if current, err := c.reg.Get(build.Remote.Key()); err == nil {
		if remote, ok := current.(*model.RemoteRepository); ok {
			build.Remote = remote
		}
	}
	if build.Remote.DeleteMetadata(koji.MetaConsolidationResult) {
		retry := model.NewChangeSummary(user, "Retrying Koji consolidation of "+build.Build.NVR)
		if _, err := c.reg.Store(ctx, build.Remote, retry, false, true, model.EventMetadata{}); err != nil {
			return fmt.Errorf("reset %s: %w", build.Remote.Key(), err)
		}
	}
	return c.locker.LockAnd(ctx, groupKey, c.opts.LockTimeout, func() error {
		group, err := c.reg.GetGroup(groupKey)
		if err != nil {
			return err
		}
		if !group.AddConstituent(build.Remote.Key()) {
			return nil
		}
		_, err = c.reg.Store(ctx, group, summary, false, true, model.EventMetadata{})
		return err
	})
}

// Start 在后台执行 Run，立即返回。
func (c *Consolidator) Start(build *koji.BuildRemote, target *model.HostedRepository, groupKey model.StoreKey, user string) error {
	c.track(build.Build.NVR, target.Key(), groupKey)
	task := func(ctx context.Context) {
		_, _ = c.Run(ctx, build, target, groupKey, user)
	}
	if c.opts.Executor != nil {
		return c.opts.Executor.Submit(task)
	}
	go task(context.Background())
	return nil
}

// Status 返回 nvr 最近一次 consolidation 的报告副本。
func (c *Consolidator) Status(nvr string) (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[nvr]
	if !ok {
		return Report{}, false
	}
	out := *r
	out.Stored = append([]string(nil), r.Stored...)
	out.Skipped = append([]string(nil), r.Skipped...)
	out.Failed = append([]string(nil), r.Failed...)
	return out, true
}

// Run 同步执行完整流程。Finalizing 总会执行；ctx 被取消时仍完成收尾，随后返回 ctx.Err()。
func (c *Consolidator) Run(ctx context.Context, build *koji.BuildRemote, target *model.HostedRepository, groupKey model.StoreKey, user string) (Report, error) {
	nvr := build.Build.NVR
	c.track(nvr, target.Key(), groupKey)
	fields := logging.ConsolidationFields(nvr, build.Remote.Key(), groupKey)
	c.logger.WithFields(fields).WithField("archives", len(build.Archives)).Info("consolidation_started")

	meta := model.EventMetadata{IgnoreReadonly: true}.WithOrigin("koji-consolidation")
	job := &job{c: c, build: build, target: target, meta: meta, fields: fields}

	downloads, metadataPaths := c.plan(build)
	c.setState(nvr, StateDownloading)
	runErr := workpool.Drain(ctx, c.opts.Workers, downloads, job.consolidate)

	if runErr == nil {
		c.setState(nvr, StateMetadataCleanup)
		runErr = c.clearMetadata(ctx, job, groupKey, metadataPaths)
	}

	if runErr != nil {
		// 中断时无法确认全部产物已入库，按失败处理以保留 remote。
		job.markFailed()
		c.logger.WithError(runErr).WithFields(fields).Warn("consolidation_interrupted")
	}
	c.setState(nvr, StateFinalizing)
	finalErr := c.finalize(context.WithoutCancel(ctx), build, groupKey, user)

	report := c.finish(nvr, job, runErr, finalErr)
	if runErr != nil {
		return report, runErr
	}
	if finalErr != nil {
		return report, finalErr
	}
	if build.Failed() {
		return report, fmt.Errorf("%s: %w", nvr, ErrPermanentFailure)
	}
	return report, nil
}

// plan 为每个产物生成下载任务，并收集其父目录下的 maven-metadata.xml。
func (c *Consolidator) plan(build *koji.BuildRemote) ([]download, []string) {
	downloads := make([]download, 0, len(build.Archives))
	seen := map[string]struct{}{}
	var metadataPaths []string
	for _, archive := range build.Archives {
		p := koji.ArchivePath(archive)
		downloads = append(downloads, download{path: p, archive: archive})
		md := path.Join(path.Dir(p), maven.MetadataFile)
		if _, ok := seen[md]; !ok {
			seen[md] = struct{}{}
			metadataPaths = append(metadataPaths, md)
		}
	}
	sort.Strings(metadataPaths)
	return downloads, metadataPaths
}

// clearMetadata 删除目标仓库与 group 中过期的元数据，迫使下次访问重新生成。
func (c *Consolidator) clearMetadata(ctx context.Context, j *job, groupKey model.StoreKey, paths []string) error {
	group, err := c.reg.GetGroup(groupKey)
	if err != nil {
		return err
	}
	_ = workpool.Wave(ctx, c.opts.MetadataWorkers, paths, func(ctx context.Context, md string) error {
		for _, store := range []model.ArtifactStore{j.target, group} {
			if _, err := c.resolver.Delete(ctx, store, md, j.meta); err != nil {
				c.logger.WithError(err).WithFields(j.fields).WithField("path", md).Error("consolidation_metadata_delete_failed")
			}
		}
		return nil
	})
	return ctx.Err()
}

// finalize 在 group 成员锁内调整仓库定义：失败时保留 remote，成功时从 group 移除并删除 remote。
func (c *Consolidator) finalize(ctx context.Context, build *koji.BuildRemote, groupKey model.StoreKey, user string) error {
	fields := logging.ConsolidationFields(build.Build.NVR, build.Remote.Key(), groupKey)
	err := c.locker.LockAnd(ctx, groupKey, c.opts.LockTimeout, func() error {
		if build.Failed() {
			cs := model.NewChangeSummary(user, "Storing Koji remote for which consolidation has failed.")
			remote := build.Remote.Clone().(*model.RemoteRepository)
			if current, err := c.reg.Get(remote.Key()); err == nil {
				remote.Revision = current.Base().Revision
			}
			_, err := c.reg.Store(ctx, remote, cs, false, true, model.EventMetadata{})
			return err
		}

		cs := model.NewChangeSummary(user, "Removing consolidated Koji remote repository.")
		group, err := c.reg.GetGroup(groupKey)
		if err != nil {
			return err
		}
		if group.RemoveConstituent(build.Remote.Key()) {
			if _, err := c.reg.Store(ctx, group, cs, false, true, model.EventMetadata{}); err != nil {
				return err
			}
		}
		_, err = c.reg.Delete(ctx, build.Remote.Key(), cs, model.EventMetadata{})
		return err
	})
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Error("consolidation_finalize_failed")
		return fmt.Errorf("finalize %s: %w", build.Build.NVR, err)
	}
	return nil
}

func (c *Consolidator) track(nvr string, target, group model.StoreKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.reports[nvr]; ok && r.State != StateSucceeded && r.State != StateFailed {
		return
	}
	c.reports[nvr] = &Report{
		NVR:     nvr,
		Target:  target.String(),
		Group:   group.String(),
		State:   StateStarted,
		Started: c.now().UTC(),
	}
}

func (c *Consolidator) setState(nvr string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.reports[nvr]; ok {
		r.State = state
	}
}

func (c *Consolidator) finish(nvr string, j *job, runErr, finalErr error) Report {
	stored, skipped, failed := j.results()
	state := StateSucceeded
	var errText string
	switch {
	case runErr != nil:
		state, errText = StateFailed, runErr.Error()
	case finalErr != nil:
		state, errText = StateFailed, finalErr.Error()
	case j.build.Failed():
		state, errText = StateFailed, ErrPermanentFailure.Error()
	}
	c.metrics.IncConsolidation(string(state))

	c.mu.Lock()
	r := c.reports[nvr]
	r.State = state
	r.Stored, r.Skipped, r.Failed = stored, skipped, failed
	r.Finished = c.now().UTC()
	r.Error = errText
	out := *r
	c.mu.Unlock()

	entry := c.logger.WithFields(j.fields).WithFields(logrus.Fields{
		"state":   string(state),
		"stored":  len(stored),
		"skipped": len(skipped),
		"failed":  len(failed),
	})
	if state == StateFailed {
		entry.Warn("consolidation_finished")
	} else {
		entry.Info("consolidation_finished")
	}
	return out
}
