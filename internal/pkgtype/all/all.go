// Package all 汇总内置包类型，调用方通过空导入完成注册。
package all

import (
	_ "github.com/any-hub/any-depot/internal/pkgtype/generic"
	_ "github.com/any-hub/any-depot/internal/pkgtype/maven"
	_ "github.com/any-hub/any-depot/internal/pkgtype/npm"
	_ "github.com/any-hub/any-depot/internal/pkgtype/pypi"
)
