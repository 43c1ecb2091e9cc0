package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把 TOML 内容写入临时目录，StoragePath 等相对路径相对于该目录之外的工作目录解析。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// storeTOML 生成一段 [[Store]] 表。
func storeTOML(name, pkg, storeType string, extra ...string) string {
	out := "\n[[Store]]\nName = \"" + name + "\"\nPackageType = \"" + pkg + "\"\nType = \"" + storeType + "\"\n"
	for _, line := range extra {
		out += line + "\n"
	}
	return out
}
