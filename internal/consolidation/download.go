package consolidation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/koji"
	"github.com/any-hub/any-depot/internal/model"
)

// download 是单个产物的任务，tries 只由持有它的 worker 修改。
type download struct {
	path    string
	archive koji.Archive
	tries   int
}

// job 是一次 consolidation 中各 worker 共享的状态。
type job struct {
	c      *Consolidator
	build  *koji.BuildRemote
	target *model.HostedRepository
	meta   model.EventMetadata
	fields logrus.Fields

	mu      sync.Mutex
	stored  []string
	skipped []string
	failed  []string
}

// consolidate 处理单个产物；返回 (d, true) 表示需要重试。
func (j *job) consolidate(ctx context.Context, d download) (download, bool) {
	c := j.c
	fields := logrus.Fields{"path": d.path, "archive_id": d.archive.ID, "attempt": d.tries + 1}

	exists, err := c.resolver.Exists(ctx, j.target, d.path)
	if err != nil {
		c.logger.WithError(err).WithFields(j.fields).WithFields(fields).Warn("consolidation_exists_check_failed")
	}
	if exists {
		j.add(&j.skipped, d.path)
		c.metrics.IncConsolidationArtifact("skipped")
		return download{}, false
	}

	if err := j.transfer(ctx, d); err != nil {
		c.logger.WithError(err).WithFields(j.fields).WithFields(fields).Warn("consolidation_retry")
		d.tries++
		if d.tries < c.opts.MaxAttempts {
			c.metrics.IncConsolidationArtifact("retry")
			return d, true
		}
		c.logger.WithFields(j.fields).WithFields(fields).WithField("max_attempts", c.opts.MaxAttempts).
			Error("consolidation_permanent_failure")
		j.markFailed()
		j.add(&j.failed, d.path)
		c.metrics.IncConsolidationArtifact("failed")
		return download{}, false
	}
	j.add(&j.stored, d.path)
	c.metrics.IncConsolidationArtifact("stored")
	return download{}, false
}

// transfer 下载、校验并写入目标仓库；任何一步失败都会清理本次产生的文件。
func (j *job) transfer(ctx context.Context, d download) error {
	c := j.c
	remote := j.build.Remote
	downloaded, err := c.resolver.Get(ctx, remote, d.path, j.meta)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", d.path, err)
	}
	if downloaded == nil {
		return fmt.Errorf("fetch %s: not found in %s", d.path, remote.Key())
	}

	if alg, ok := archiveAlgorithm(d.archive); !ok || d.archive.Checksum == "" {
		c.logger.WithFields(j.fields).WithFields(logrus.Fields{
			"path":          d.path,
			"archive_id":    d.archive.ID,
			"checksum_type": d.archive.ChecksumType,
		}).Warn("consolidation_checksum_unverified")
	} else {
		sums, err := cache.Digest(downloaded, alg)
		if err != nil {
			return fmt.Errorf("digest %s: %w", d.path, err)
		}
		if !strings.EqualFold(sums[alg], d.archive.Checksum) {
			j.discard(ctx, remote, d.path)
			return fmt.Errorf("%s: %s is %s, build system reports %s: %w", d.path, alg, sums[alg], d.archive.Checksum, ErrChecksumMismatch)
		}
	}

	reader, err := downloaded.OpenReader()
	if err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}
	defer reader.Close()
	hashing, err := cache.NewHashingReader(reader, c.opts.Digest)
	if err != nil {
		return err
	}
	stored, err := c.resolver.Store(ctx, j.target, d.path, hashing, cache.OpUpload, j.meta)
	if err != nil {
		return fmt.Errorf("store %s: %w", d.path, err)
	}
	sums, err := cache.Digest(stored, c.opts.Digest)
	if err != nil {
		j.discard(ctx, j.target, d.path)
		return fmt.Errorf("digest stored %s: %w", d.path, err)
	}
	if sums[c.opts.Digest] != hashing.Sum() {
		j.discard(ctx, j.target, d.path)
		return fmt.Errorf("%s: stored %s %s, downloaded %s: %w", d.path, c.opts.Digest, sums[c.opts.Digest], hashing.Sum(), ErrChecksumMismatch)
	}
	return nil
}

func (j *job) discard(ctx context.Context, store model.ArtifactStore, p string) {
	if _, err := j.c.resolver.Delete(ctx, store, p, j.meta); err != nil {
		j.c.logger.WithError(err).WithFields(j.fields).WithField("path", p).Error("consolidation_discard_failed")
	}
}

// markFailed 在 remote 元数据上写入失败标记，Finalizing 据此保留 remote。
func (j *job) markFailed() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.build.Remote.SetMetadata(koji.MetaConsolidationResult, "false")
}

func (j *job) add(list *[]string, p string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	*list = append(*list, p)
}

func (j *job) results() (stored, skipped, failed []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	stored = append([]string(nil), j.stored...)
	skipped = append([]string(nil), j.skipped...)
	failed = append([]string(nil), j.failed...)
	sort.Strings(stored)
	sort.Strings(skipped)
	sort.Strings(failed)
	return stored, skipped, failed
}

// archiveAlgorithm 把 Koji 的 checksum_type 映射为摘要算法。
func archiveAlgorithm(a koji.Archive) (cache.Algorithm, bool) {
	switch a.ChecksumType {
	case koji.ChecksumMD5:
		return cache.MD5, true
	case 1:
		return cache.SHA1, true
	case 2:
		return cache.SHA256, true
	}
	return "", false
}
