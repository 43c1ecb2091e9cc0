package promote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
)

// ValidationRequest 是规则的输入；Store 是源仓库或路径请求的临时 remote。
type ValidationRequest struct {
	Request
	RuleSet *RuleSet
	Store   model.ArtifactStore

	tools *Validator
	paths []string
}

// Paths 返回待校验的路径。路径请求直接使用请求中的路径，否则遍历源仓库（group 展开为其 hosted 成员）。
func (r *ValidationRequest) Paths(ctx context.Context) ([]string, error) {
	if r.paths != nil {
		return r.paths, nil
	}
	if len(r.Request.Paths) > 0 {
		r.paths = append([]string(nil), r.Request.Paths...)
		sort.Strings(r.paths)
		return r.paths, nil
	}

	stores := []model.ArtifactStore{r.Store}
	if r.Store.Key().Type == model.StoreTypeGroup {
		members, err := r.tools.reg.ConcreteMembers(r.Store.Key(), true)
		if err != nil {
			return nil, err
		}
		stores = members
	}
	seen := map[string]struct{}{}
	for _, store := range stores {
		if store.Key().Type != model.StoreTypeHosted {
			continue
		}
		if err := r.walk(ctx, store, "/", seen); err != nil {
			return nil, err
		}
	}
	r.paths = make([]string, 0, len(seen))
	for p := range seen {
		r.paths = append(r.paths, p)
	}
	sort.Strings(r.paths)
	return r.paths, nil
}

func (r *ValidationRequest) walk(ctx context.Context, store model.ArtifactStore, dir string, seen map[string]struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	names, err := r.tools.resolver.Transfer(store, dir).List()
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("list %s%s: %w", store.Key(), dir, err)
	}
	for _, name := range names {
		if strings.HasSuffix(name, "/") {
			if err := r.walk(ctx, store, dir+name, seen); err != nil {
				return err
			}
			continue
		}
		seen[dir+name] = struct{}{}
	}
	return nil
}

// Read 读取 Store 中的内容，不存在时返回 (nil, nil)。
func (r *ValidationRequest) Read(ctx context.Context, p string) ([]byte, error) {
	t, err := r.tools.resolver.Get(ctx, r.Store, p, model.EventMetadata{}.WithOrigin("promote-validation"))
	if err != nil || t == nil {
		return nil, err
	}
	return t.ReadAll()
}

// ExistsInTarget 判断目标仓库是否已有 p。
func (r *ValidationRequest) ExistsInTarget(ctx context.Context, p string) (bool, error) {
	target, err := r.tools.reg.Get(r.Target)
	if err != nil {
		return false, fmt.Errorf("target %s: %w", r.Target, err)
	}
	return r.tools.resolver.Exists(ctx, target, p)
}

// isContentPath 排除元数据、校验和与目录，这些路径在晋升时会重新生成。
func isContentPath(packageType, p string) bool {
	if pkgtype.IsListingPath(p) || pkgtype.IsChecksumPath(p) {
		return false
	}
	return !pkgtype.Classify(packageType, p).Metadata
}
