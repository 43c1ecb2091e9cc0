// Package pathfilter 在 group 解析前裁剪候选成员。过滤只是优化：
// 任何过滤器都只能删减候选、不能改变顺序，无法判断时原样放行。
package pathfilter

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/model"
)

// Filter 是单个过滤器。
type Filter interface {
	Name() string
	// Priority 越小越先执行。
	Priority() int
	CanProcess(p string, group *model.Group) bool
	Filter(ctx context.Context, p string, group *model.Group, candidates []model.ArtifactStore) []model.ArtifactStore
}

// Chain 按优先级串联过滤器，前一个的输出是后一个的输入。
type Chain struct {
	filters []Filter
	logger  *logrus.Logger
}

// NewChain 创建过滤链，同优先级保持注册顺序。
func NewChain(logger *logrus.Logger, filters ...Filter) *Chain {
	sorted := append([]Filter(nil), filters...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Chain{filters: sorted, logger: logger}
}

// Apply 返回 candidates 的有序子集。
func (c *Chain) Apply(ctx context.Context, p string, group *model.Group, candidates []model.ArtifactStore) []model.ArtifactStore {
	current := candidates
	for _, f := range c.filters {
		if len(current) == 0 {
			break
		}
		if !f.CanProcess(p, group) {
			continue
		}
		before := len(current)
		current = subsequence(current, f.Filter(ctx, p, group, current))
		if len(current) != before {
			c.logger.WithFields(logrus.Fields{
				"action": "path_filter",
				"filter": f.Name(),
				"group":  group.Key().String(),
				"path":   p,
				"before": before,
				"after":  len(current),
			}).Debug("path_filter_applied")
		}
	}
	return current
}

// subsequence 按 input 的顺序保留出现在 output 中的成员，从而保证过滤器不能重排或引入新成员。
func subsequence(input, output []model.ArtifactStore) []model.ArtifactStore {
	keep := make(map[model.StoreKey]struct{}, len(output))
	for _, s := range output {
		keep[s.Key()] = struct{}{}
	}
	result := make([]model.ArtifactStore, 0, len(keep))
	for _, s := range input {
		if _, ok := keep[s.Key()]; ok {
			result = append(result, s)
		}
	}
	return result
}
