// Package generic 注册 generic-http 包类型，也是未知包类型的兜底规则。
package generic

import "github.com/any-hub/any-depot/internal/pkgtype"

func init() {
	pkgtype.MustRegister(pkgtype.Descriptor{
		Key:         pkgtype.GenericKey,
		Description: "Plain HTTP content; only directory listings are merged",
		Classify: func(p string) pkgtype.PathInfo {
			if pkgtype.IsListingPath(p) {
				return pkgtype.PathInfo{Listing: true, Mergable: true}
			}
			return pkgtype.PathInfo{}
		},
	})
}
