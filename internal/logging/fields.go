package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/model"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ContentFields 提供仓库/路径/命中状态字段，供内容请求日志复用。
func ContentFields(key model.StoreKey, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"store":        key.String(),
		"store_type":   string(key.Type),
		"package_type": key.PackageType,
		"path":         path,
		"cache_hit":    cacheHit,
	}
}

// StoreFields 用于注册表变更日志。
func StoreFields(action string, key model.StoreKey, user string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"store":  key.String(),
		"user":   user,
	}
}

// ConsolidationFields 统一 Koji 归并日志字段。
func ConsolidationFields(nvr string, source, group model.StoreKey) logrus.Fields {
	return logrus.Fields{
		"action": "koji_consolidation",
		"nvr":    nvr,
		"source": source.String(),
		"group":  group.String(),
	}
}
