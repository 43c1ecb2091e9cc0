package server

import (
	"fmt"
	"strings"

	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
)

// ContentPrefix 是内容接口的路由前缀。
const ContentPrefix = "/api/content"

// ContentURL 返回 (仓库, 路径) 在本服务上的访问地址。
func ContentURL(baseURL string, key model.StoreKey, p string) string {
	return StoreURL(baseURL, key) + pkgtype.Normalize(p)
}

// StoreURL 返回仓库内容根地址（不带末尾斜杠）。
func StoreURL(baseURL string, key model.StoreKey) string {
	return strings.TrimSuffix(baseURL, "/") + ContentPrefix + "/" + key.PackageType + "/" + string(key.Type) + "/" + key.Name
}

// URLGenerator 生成 EventMetadata.URLGenerator，供列表改写使用。
func URLGenerator(baseURL string) func(model.StoreKey, string) string {
	return func(key model.StoreKey, p string) string {
		return ContentURL(baseURL, key, p)
	}
}

// StoreKeyFromParams 解析路由中的 :pkg/:type/:name。
func StoreKeyFromParams(pkg, storeType, name string) (model.StoreKey, error) {
	st, ok := model.ParseStoreType(storeType)
	if !ok || pkg == "" || name == "" {
		return model.StoreKey{}, fmt.Errorf("invalid store %s/%s/%s: %w", pkg, storeType, name, ErrBadRequest)
	}
	if _, ok := pkgtype.Resolve(pkg); !ok {
		return model.StoreKey{}, fmt.Errorf("unknown package type %s: %w", pkg, ErrBadRequest)
	}
	return model.NewStoreKey(pkg, st, name), nil
}
