package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort int    `mapstructure:"ListenPort"`
	BaseURL    string `mapstructure:"BaseURL"`
	LogLevel   string `mapstructure:"LogLevel"`
	// LogFormat 为 json（默认）或 text。
	LogFormat     string `mapstructure:"LogFormat"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	// RegistryPath 为 sqlite 文件路径；为空时仓库定义只保存在内存中。
	RegistryPath    string   `mapstructure:"RegistryPath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	LockTimeout     Duration `mapstructure:"LockTimeout"`

	ContainmentBatchSize     int    `mapstructure:"ContainmentBatchSize"`
	ConsolidationWorkers     int    `mapstructure:"ConsolidationWorkers"`
	BackgroundWorkers        int    `mapstructure:"BackgroundWorkers"`
	MetadataWorkers          int    `mapstructure:"MetadataWorkers"`
	ConsolidationDigest      string `mapstructure:"ConsolidationDigest"`
	ConsolidationMaxAttempts int    `mapstructure:"ConsolidationMaxAttempts"`

	ListingRewrite  bool   `mapstructure:"ListingRewrite"`
	RedirectBackend string `mapstructure:"RedirectBackend"`
	RedisURL        string `mapstructure:"RedisURL"`

	KojiURL         string `mapstructure:"KojiURL"`
	KojiDownloadURL string `mapstructure:"KojiDownloadURL"`
	RuleSetPath     string `mapstructure:"RuleSetPath"`
}

// StoreConfig 是 [[Store]] 表，启动时写入仓库注册表。
type StoreConfig struct {
	Name             string   `mapstructure:"Name"`
	PackageType      string   `mapstructure:"PackageType"`
	Type             string   `mapstructure:"Type"`
	Description      string   `mapstructure:"Description"`
	URL              string   `mapstructure:"URL"`
	Timeout          Duration `mapstructure:"Timeout"`
	PathMasks        []string `mapstructure:"PathMasks"`
	Readonly         bool     `mapstructure:"Readonly"`
	AllowSnapshots   bool     `mapstructure:"AllowSnapshots"`
	AllowReleases    *bool    `mapstructure:"AllowReleases"`
	StoragePath      string   `mapstructure:"StoragePath"`
	AltStoragePath   string   `mapstructure:"AltStoragePath"`
	Constituents     []string `mapstructure:"Constituents"`
	PrefetchListing  string   `mapstructure:"PrefetchListing"`
	PrefetchPriority int      `mapstructure:"PrefetchPriority"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Stores []StoreConfig `mapstructure:"Store"`
}

// StoreSummary 返回 pkg:type:name 列表，供启动日志使用。
func StoreSummary(stores []StoreConfig) []string {
	if len(stores) == 0 {
		return nil
	}
	result := make([]string, len(stores))
	for i, s := range stores {
		result[i] = fmt.Sprintf("%s:%s:%s", s.PackageType, s.Type, s.Name)
	}
	return result
}
