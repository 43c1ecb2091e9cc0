package koji

import (
	"fmt"
	"sort"
	"strings"

	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
)

// 仓库元数据键。
const (
	MetaBuildNVR            = "koji-build-nvr"
	MetaConsolidationResult = "koji-consolidation-result"
	PrefetchListingKoji     = "koji"
)

// RemoteName 返回构建对应的临时 remote 名称。
func RemoteName(nvr string) string {
	return "koji-" + nvr
}

// ArchivePath 返回产物在 Maven 布局中的路径 g/a/v/filename。
func ArchivePath(a Archive) string {
	classifier, ext := splitFilename(a)
	if classifier == "" && ext == "" {
		return "/" + strings.ReplaceAll(a.GroupID, ".", "/") + "/" + a.ArtifactID + "/" + a.Version + "/" + a.Filename
	}
	return maven.ArtifactPath(a.GroupID, a.ArtifactID, a.Version, classifier, ext)
}

// splitFilename 从 a-v[-classifier].ext 中拆出 classifier 与扩展名；不符合该形式时都返回空串。
func splitFilename(a Archive) (string, string) {
	prefix := a.ArtifactID + "-" + a.Version
	rest, ok := strings.CutPrefix(a.Filename, prefix)
	if !ok || rest == "" {
		return "", ""
	}
	var classifier string
	if strings.HasPrefix(rest, "-") {
		dot := strings.Index(rest, ".")
		if dot < 0 {
			return "", ""
		}
		classifier, rest = rest[1:dot], rest[dot:]
	}
	if !strings.HasPrefix(rest, ".") || len(rest) == 1 {
		return "", ""
	}
	return classifier, rest[1:]
}

// BuildRemote 把构建、产物与对应的临时 remote 绑定在一起。
type BuildRemote struct {
	Build    Build
	Archives []Archive
	Remote   *model.RemoteRepository
}

// NewBuildRemote 创建 koji-<nvr> 临时 remote，URL 指向构建的 maven 根目录，PathMasks 限定为构建产物。
func NewBuildRemote(build Build, archives []Archive, downloadBase string) *BuildRemote {
	base := strings.TrimSuffix(downloadBase, "/")
	url := fmt.Sprintf("%s/packages/%s/%s/%s/maven/", base, build.Name, build.Version, build.Release)
	remote := model.NewRemoteRepository(model.PackageTypeMaven, RemoteName(build.NVR), url)
	remote.Description = "Koji build " + build.NVR
	remote.SetMetadata(MetaBuildNVR, build.NVR)
	remote.Prefetch = model.PrefetchConfig{ListingType: PrefetchListingKoji, Priority: 1}

	masks := make([]string, 0, len(archives))
	for _, a := range archives {
		masks = append(masks, ArchivePath(a))
	}
	sort.Strings(masks)
	remote.PathMasks = masks
	return &BuildRemote{Build: build, Archives: archives, Remote: remote}
}

// Failed 判断 consolidation 是否已在 remote 上标记失败。
func (b *BuildRemote) Failed() bool {
	return b.Remote.GetMetadata(MetaConsolidationResult) == "false"
}

// ContentList 返回 koji 类型预取的路径列表：即 remote 的 PathMasks。
// 非 koji 预取或优先级不大于 0 时返回 nil。
func ContentList(remote *model.RemoteRepository) []string {
	if remote.Prefetch.ListingType != PrefetchListingKoji || remote.Prefetch.Priority <= 0 {
		return nil
	}
	return append([]string(nil), remote.PathMasks...)
}
