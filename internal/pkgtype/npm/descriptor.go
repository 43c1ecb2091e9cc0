// Package npm 注册 NPM Registry 布局：包元数据落盘到 package.json，tarball 位于 /-/ 子目录。
package npm

import (
	"strings"

	"github.com/any-hub/any-depot/internal/pkgtype"
)

// MetadataFile 是包元数据在缓存中的文件名。
const MetadataFile = "package.json"

func init() {
	pkgtype.MustRegister(pkgtype.Descriptor{
		Key:            "npm",
		Description:    "NPM registry layout with merged package metadata",
		Classify:       classify,
		StrategyPath:   pkgtype.ParentDir,
		MetadataFile:   MetadataFile,
		LocatorRewrite: rewriteLocator,
	})
}

func classify(p string) pkgtype.PathInfo {
	if IsPackageMetadata(pkgtype.ChecksumTarget(p)) {
		return pkgtype.PathInfo{Mergable: true, Metadata: true}
	}
	return pkgtype.PathInfo{}
}

// IsPackageMetadata 判断路径是否指向包级元数据（/pkg、/@scope/pkg 或其 package.json）。
func IsPackageMetadata(p string) bool {
	if p == "" || p == "/" || strings.Contains(p, "/-/") {
		return false
	}
	segments := splitPath(strings.TrimSuffix(p, "/"+MetadataFile))
	switch {
	case len(segments) == 1:
		return !strings.HasPrefix(segments[0], "@") && !strings.HasPrefix(segments[0], "-")
	case len(segments) == 2:
		return strings.HasPrefix(segments[0], "@")
	default:
		return false
	}
}

// PackageID 返回路径所属的包名，支持 scope。
func PackageID(p string) string {
	segments := splitPath(p)
	if len(segments) == 0 {
		return ""
	}
	if strings.HasPrefix(segments[0], "@") && len(segments) > 1 {
		return segments[0] + "/" + segments[1]
	}
	return segments[0]
}

// VersionPath 返回版本级元数据路径 /packageId/version。
func VersionPath(packageID, version string) string {
	return "/" + packageID + "/" + version
}

// TarballPath 返回 tarball 路径 /packageId/-/tarballName。
func TarballPath(packageID, tarball string) string {
	return "/" + packageID + "/-/" + tarball
}

// rewriteLocator 将包元数据映射为 package.json，避免与 tarball 所在的 /-/ 目录冲突。
func rewriteLocator(p string) string {
	if strings.Contains(p, "/-/") || strings.HasSuffix(p, "/"+MetadataFile) {
		return p
	}
	clean := strings.TrimSuffix(p, "/")
	if clean == "" {
		return "/" + MetadataFile
	}
	if pkgtype.IsChecksumPath(clean) && IsPackageMetadata(pkgtype.ChecksumTarget(clean)) {
		target := pkgtype.ChecksumTarget(clean)
		return target + "/" + MetadataFile + clean[len(target):]
	}
	if IsPackageMetadata(clean) {
		return clean + "/" + MetadataFile
	}
	return p
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// TarballVersion 从 /pkg/-/pkg-1.0.0.tgz 形式的路径中取出版本号。
func TarballVersion(p string) (string, bool) {
	dir, file, ok := strings.Cut(p, "/-/")
	if !ok || strings.Contains(file, "/") || !strings.HasSuffix(file, ".tgz") {
		return "", false
	}
	id := PackageID(dir)
	if id == "" {
		return "", false
	}
	name := id[strings.LastIndex(id, "/")+1:]
	version := strings.TrimSuffix(strings.TrimPrefix(file, name+"-"), ".tgz")
	if version == "" || !strings.HasPrefix(file, name+"-") {
		return "", false
	}
	return version, true
}
