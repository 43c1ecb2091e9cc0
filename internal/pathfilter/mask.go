package pathfilter

import (
	"context"

	"github.com/any-hub/any-depot/internal/model"
)

// PathMaskFilter 排除 PathMasks 不允许该路径的成员。
type PathMaskFilter struct{}

func (PathMaskFilter) Name() string { return "path-mask" }

func (PathMaskFilter) Priority() int { return 0 }

func (PathMaskFilter) CanProcess(string, *model.Group) bool { return true }

func (PathMaskFilter) Filter(_ context.Context, p string, _ *model.Group, candidates []model.ArtifactStore) []model.ArtifactStore {
	out := make([]model.ArtifactStore, 0, len(candidates))
	for _, s := range candidates {
		if s.Base().AllowsPath(p) {
			out = append(out, s)
		}
	}
	return out
}
