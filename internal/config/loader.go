package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Stores {
		applyStoreDefaults(&cfg.Stores[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("RegistryPath", "")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("LockTimeout", "30s")
	v.SetDefault("ContainmentBatchSize", 50)
	v.SetDefault("ConsolidationWorkers", 8)
	v.SetDefault("BackgroundWorkers", 50)
	v.SetDefault("MetadataWorkers", 4)
	v.SetDefault("ConsolidationDigest", "md5")
	v.SetDefault("ConsolidationMaxAttempts", 3)
	v.SetDefault("ListingRewrite", true)
	v.SetDefault("RedirectBackend", "memory")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.LockTimeout.DurationValue() == 0 {
		g.LockTimeout = Duration(30 * time.Second)
	}
	if g.ConsolidationDigest == "" {
		g.ConsolidationDigest = "md5"
	}
	g.ConsolidationDigest = strings.ToLower(strings.TrimSpace(g.ConsolidationDigest))
	g.RedirectBackend = strings.ToLower(strings.TrimSpace(g.RedirectBackend))
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.RedirectBackend == "" {
		g.RedirectBackend = "memory"
	}
	if g.BaseURL == "" {
		g.BaseURL = fmt.Sprintf("http://localhost:%d", g.ListenPort)
	}
	g.BaseURL = strings.TrimSuffix(g.BaseURL, "/")
}

func applyStoreDefaults(s *StoreConfig) {
	s.PackageType = strings.ToLower(strings.TrimSpace(s.PackageType))
	if s.PackageType == "" {
		s.PackageType = "maven"
	}
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	s.PrefetchListing = strings.ToLower(strings.TrimSpace(s.PrefetchListing))
	if s.Timeout.DurationValue() < 0 {
		s.Timeout = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
