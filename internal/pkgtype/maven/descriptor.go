// Package maven 注册 Maven 仓库布局的特殊路径规则。
package maven

import (
	"path"
	"strings"

	"github.com/any-hub/any-depot/internal/pkgtype"
)

const (
	MetadataFile        = "maven-metadata.xml"
	ArchetypeCatalog    = "archetype-catalog.xml"
	snapshotVersionMark = "-SNAPSHOT"
)

func init() {
	pkgtype.MustRegister(pkgtype.Descriptor{
		Key:            "maven",
		Description:    "Maven repository layout with merged listings and archetype catalogs",
		Classify:       classify,
		StrategyPath:   strategyPath,
		MetadataFile:   MetadataFile,
		LocatorRewrite: rewriteLocator,
	})
}

func classify(p string) pkgtype.PathInfo {
	if pkgtype.IsListingPath(p) {
		return pkgtype.PathInfo{Listing: true, Mergable: true}
	}
	target := pkgtype.ChecksumTarget(p)
	switch path.Base(target) {
	case ArchetypeCatalog:
		return pkgtype.PathInfo{Mergable: true, Metadata: true}
	case MetadataFile:
		return pkgtype.PathInfo{Metadata: true}
	}
	return pkgtype.PathInfo{}
}

// strategyPath 返回父目录：包含性索引按目录粒度记录。
func strategyPath(p string) string {
	if pkgtype.IsListingPath(p) {
		return pkgtype.Normalize(p)
	}
	return pkgtype.ParentDir(p)
}

func rewriteLocator(p string) string {
	if pkgtype.IsListingPath(p) {
		return p + ".listing.html"
	}
	return p
}

// IsSnapshotPath 判断路径是否位于 SNAPSHOT 版本目录下。
func IsSnapshotPath(p string) bool {
	for _, segment := range strings.Split(strings.Trim(p, "/"), "/") {
		if strings.HasSuffix(segment, snapshotVersionMark) {
			return true
		}
	}
	return false
}

// IsNonSnapshotMetadata 判断是否为 GA 级（非 SNAPSHOT）maven-metadata.xml。
func IsNonSnapshotMetadata(p string) bool {
	return path.Base(p) == MetadataFile && !IsSnapshotPath(p)
}

// ArtifactPath 按 Maven 布局拼接 g/a/v/a-v[-classifier].ext。
func ArtifactPath(groupID, artifactID, version, classifier, ext string) string {
	name := artifactID + "-" + version
	if classifier != "" {
		name += "-" + classifier
	}
	if ext != "" {
		name += "." + ext
	}
	return "/" + strings.ReplaceAll(groupID, ".", "/") + "/" + artifactID + "/" + version + "/" + name
}
