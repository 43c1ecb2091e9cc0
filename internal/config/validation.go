package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.LogFormat {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json|text")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LockTimeout.DurationValue() <= 0 {
		return newFieldError("Global.LockTimeout", "必须大于 0")
	}
	if g.ContainmentBatchSize <= 0 {
		return newFieldError("Global.ContainmentBatchSize", "必须大于 0")
	}
	if g.ConsolidationWorkers <= 0 {
		return newFieldError("Global.ConsolidationWorkers", "必须大于 0")
	}
	if g.BackgroundWorkers <= 0 {
		return newFieldError("Global.BackgroundWorkers", "必须大于 0")
	}
	if g.MetadataWorkers <= 0 {
		return newFieldError("Global.MetadataWorkers", "必须大于 0")
	}
	if g.ConsolidationMaxAttempts <= 0 {
		return newFieldError("Global.ConsolidationMaxAttempts", "必须大于 0")
	}
	if _, err := cache.ParseAlgorithm(g.ConsolidationDigest); err != nil {
		return newFieldError("Global.ConsolidationDigest", "仅支持 md5|sha1|sha256|blake3")
	}
	switch g.RedirectBackend {
	case "memory":
	case "redis":
		if strings.TrimSpace(g.RedisURL) == "" {
			return newFieldError("Global.RedisURL", "RedirectBackend=redis 时不能为空")
		}
	default:
		return newFieldError("Global.RedirectBackend", "仅支持 memory|redis")
	}
	if g.KojiURL != "" {
		if err := validateUpstream(g.KojiURL); err != nil {
			return fmt.Errorf("Global.KojiURL: %w", err)
		}
	}

	seen := map[string]struct{}{}
	for i := range c.Stores {
		store := &c.Stores[i]
		if store.Name == "" {
			return newFieldError("Store[].Name", "不能为空")
		}
		if _, ok := pkgtype.Resolve(store.PackageType); !ok {
			return newFieldError(storeField(store.Name, "PackageType"), fmt.Sprintf("未注册包类型: %s", store.PackageType))
		}
		storeType, ok := model.ParseStoreType(store.Type)
		if !ok {
			return newFieldError(storeField(store.Name, "Type"), "仅支持 remote|hosted|group")
		}
		key := model.NewStoreKey(store.PackageType, storeType, store.Name).String()
		if _, exists := seen[key]; exists {
			return newFieldError(storeField(store.Name, "Name"), "重复")
		}
		seen[key] = struct{}{}

		switch storeType {
		case model.StoreTypeRemote:
			if err := validateUpstream(store.URL); err != nil {
				return fmt.Errorf("%s: %w", storeField(store.Name, "URL"), err)
			}
			switch store.PrefetchListing {
			case "", "html", "koji":
			default:
				return newFieldError(storeField(store.Name, "PrefetchListing"), "仅支持 html|koji")
			}
		case model.StoreTypeGroup:
			members := map[string]struct{}{}
			for _, raw := range store.Constituents {
				member, err := model.ParseStoreKey(raw)
				if err != nil {
					return newFieldError(storeField(store.Name, "Constituents"), err.Error())
				}
				if _, dup := members[member.String()]; dup {
					return newFieldError(storeField(store.Name, "Constituents"), "成员重复: "+member.String())
				}
				members[member.String()] = struct{}{}
			}
		case model.StoreTypeHosted:
			if store.URL != "" {
				return newFieldError(storeField(store.Name, "URL"), "hosted 仓库不允许配置上游")
			}
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
