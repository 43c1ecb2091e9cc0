package config

import (
	"testing"
	"time"

	"github.com/any-hub/any-depot/internal/model"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.LockTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("LockTimeout 应该自动填充默认值, got %s", cfg.Global.LockTimeout.DurationValue())
	}
	if cfg.Global.ContainmentBatchSize != 50 {
		t.Fatalf("ContainmentBatchSize 默认值错误: %d", cfg.Global.ContainmentBatchSize)
	}
	if cfg.Global.ConsolidationWorkers != 4 {
		t.Fatalf("ConsolidationWorkers 应当被解析: %d", cfg.Global.ConsolidationWorkers)
	}
	if cfg.Global.ConsolidationDigest != "md5" {
		t.Fatalf("默认摘要应为 md5: %s", cfg.Global.ConsolidationDigest)
	}
	if cfg.Global.BaseURL != "http://localhost:5000" {
		t.Fatalf("BaseURL 默认值错误: %s", cfg.Global.BaseURL)
	}
	if len(cfg.Stores) != 4 {
		t.Fatalf("应解析 4 个 Store, got %d", len(cfg.Stores))
	}
	if cfg.Stores[0].Timeout.DurationValue() != 45*time.Second {
		t.Fatalf("Store Timeout 解析错误: %s", cfg.Stores[0].Timeout.DurationValue())
	}
}

func TestValidateRejectsMissingUpstream(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestPackageTypeValidation(t *testing.T) {
	testCases := []struct {
		name        string
		packageType string
		shouldErr   bool
	}{
		{"maven ok", "maven", false},
		{"npm ok", "npm", false},
		{"pypi ok", "pypi", false},
		{"generic ok", "generic-http", false},
		{"unsupported type", "rubygems", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Stores[0].PackageType = tc.packageType
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for package type %q", tc.packageType)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for package type %q: %v", tc.packageType, err)
			}
		})
	}
}

func TestValidateRejectsDuplicateConstituents(t *testing.T) {
	cfg := validConfig()
	cfg.Stores = append(cfg.Stores, StoreConfig{
		Name:         "public",
		PackageType:  "maven",
		Type:         "group",
		Constituents: []string{"maven:remote:central", "maven:remote:central"},
	})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复成员应报错")
	}
}

func TestValidateRedisBackendRequiresURL(t *testing.T) {
	cfg := validConfig()
	cfg.Global.RedirectBackend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("redis 后端缺少 RedisURL 时应报错")
	}
	cfg.Global.RedisURL = "redis://localhost:6379/0"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("配置 RedisURL 后不应报错: %v", err)
	}
}

func TestValidateRejectsUnknownDigest(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ConsolidationDigest = "crc32"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("未知摘要算法应报错")
	}
}

func TestBuildStores(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	stores, err := BuildStores(cfg)
	if err != nil {
		t.Fatalf("BuildStores 失败: %v", err)
	}

	remote, ok := stores[0].(*model.RemoteRepository)
	if !ok {
		t.Fatalf("第一个仓库应为 remote, got %T", stores[0])
	}
	if remote.Timeout != 45*time.Second || len(remote.PathMasks) != 2 {
		t.Fatalf("remote 字段未正确转换: %+v", remote)
	}

	hosted, ok := stores[1].(*model.HostedRepository)
	if !ok || !hosted.AllowSnapshots || !hosted.AllowReleases {
		t.Fatalf("hosted 字段未正确转换: %+v", stores[1])
	}

	group, ok := stores[2].(*model.Group)
	if !ok {
		t.Fatalf("第三个仓库应为 group, got %T", stores[2])
	}
	if len(group.Constituents) != 2 || group.Constituents[0] != model.MustParseStoreKey("maven:hosted:local-deployments") {
		t.Fatalf("group 成员顺序错误: %v", group.Constituents)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:               5000,
			StoragePath:              "./data",
			UpstreamTimeout:          Duration(time.Second),
			LockTimeout:              Duration(time.Second),
			ContainmentBatchSize:     50,
			ConsolidationWorkers:     2,
			BackgroundWorkers:        2,
			MetadataWorkers:          2,
			ConsolidationDigest:      "md5",
			ConsolidationMaxAttempts: 3,
			RedirectBackend:          "memory",
		},
		Stores: []StoreConfig{
			{
				Name:        "central",
				PackageType: "maven",
				Type:        "remote",
				URL:         "https://repo.maven.apache.org/maven2",
			},
		},
	}
}
