// Package pypi 注册 PyPI simple index 布局：目录列表落盘为 index.html，并允许写入时重写链接。
package pypi

import (
	"strings"

	"github.com/any-hub/any-depot/internal/pkgtype"
)

// IndexFile 是列表页在缓存中的文件名。
const IndexFile = "index.html"

func init() {
	pkgtype.MustRegister(pkgtype.Descriptor{
		Key:            "pypi",
		Description:    "PyPI simple index with CDN-aware listing rewrite",
		Classify:       classify,
		LocatorRewrite: rewriteLocator,
	})
}

func classify(p string) pkgtype.PathInfo {
	if pkgtype.IsChecksumPath(p) {
		return pkgtype.PathInfo{Mergable: true, Metadata: true}
	}
	if IsListing(p) {
		return pkgtype.PathInfo{Listing: true, Mergable: true, Metadata: true, Decoratable: true}
	}
	return pkgtype.PathInfo{}
}

// IsListing 判断路径是否为 simple index 列表：目录形式，或不含扩展名的单段路径。
func IsListing(p string) bool {
	if pkgtype.IsListingPath(p) {
		return true
	}
	trimmed := strings.Trim(p, "/")
	return trimmed != "" && !strings.Contains(trimmed, "/") && !strings.Contains(trimmed, ".")
}

func rewriteLocator(p string) string {
	if p == "" || p == "/" {
		return "/" + IndexFile
	}
	if IsListing(p) {
		return strings.TrimSuffix(p, "/") + "/" + IndexFile
	}
	return p
}
