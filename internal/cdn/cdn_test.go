package cdn

import (
	"context"
	"io"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/model"
	_ "github.com/any-hub/any-depot/internal/pkgtype/all"
	"github.com/any-hub/any-depot/internal/transport"
)

const pypiListing = `<!DOCTYPE html>
<html><body>
<a href="../../packages/ab/foo-1.0.tar.gz#sha256=abc">foo-1.0.tar.gz</a>
<a href="https://files.example.org/packages/cd/foo-1.1.whl">foo-1.1.whl</a>
<a href="/simple/foo/foo-0.9.zip">foo-0.9.zip</a>
</body></html>`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func localURL(key model.StoreKey, p string) string {
	return "http://depot.local/api/content/" + key.PackageType + "/" + string(key.Type) + "/" + key.Name + p
}

func TestRewriteRecordsNonRootRelativeLinks(t *testing.T) {
	key := model.MustParseStoreKey("pypi:remote:pypi")
	body, redirects, err := Rewrite([]byte(pypiListing), key, "/simple/foo/", localURL)
	if err != nil {
		t.Fatalf("改写失败: %v", err)
	}
	out := string(body)
	if !strings.Contains(out, `href="http://depot.local/api/content/pypi/remote/pypi/simple/foo/foo-1.0.tar.gz#sha256=abc"`) {
		t.Fatalf("相对链接应改写为本地地址并保留片段: %s", out)
	}
	if !strings.Contains(out, `href="http://depot.local/api/content/pypi/remote/pypi/simple/foo/foo-0.9.zip"`) {
		t.Fatalf("根相对链接也应改写: %s", out)
	}
	if strings.Contains(out, "files.example.org") {
		t.Fatalf("外部链接不应出现在改写结果中: %s", out)
	}
	if len(redirects) != 2 {
		t.Fatalf("应记录 2 个非根相对链接, got %v", redirects)
	}
	if redirects["foo-1.1.whl"] != "https://files.example.org/packages/cd/foo-1.1.whl" {
		t.Fatalf("外部链接记录不符: %v", redirects)
	}
	if _, ok := redirects["foo-0.9.zip"]; ok {
		t.Fatalf("根相对链接不应记录")
	}
}

func newDecoratedCache(t *testing.T, db RedirectDB, enabled bool, bus *events.Bus) *cache.Cache {
	t.Helper()
	d := NewListingDecorator(db, enabled, quietLogger())
	opts := []cache.Option{cache.WithDecorators(d.Decorate), cache.WithLogger(quietLogger())}
	if bus != nil {
		opts = append(opts, cache.WithEventBus(bus))
	}
	c, err := cache.NewCache(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	return c
}

func TestDecoratorRewritesRemoteListingAndDeletionClears(t *testing.T) {
	db := NewMemoryRedirects()
	bus := events.NewBus(quietLogger())
	if err := NewDeletionListener(db, quietLogger()).Attach(bus); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	c := newDecoratedCache(t, db, true, bus)
	remote := model.NewRemoteRepository("pypi", "pypi", "https://pypi.example/")
	ctx := context.Background()
	tr := c.Transfer(c.LocationFor(remote), "/simple/foo/")
	meta := model.EventMetadata{URLGenerator: localURL}

	if _, err := tr.Write(ctx, strings.NewReader(pypiListing), cache.OpDownload, meta); err != nil {
		t.Fatalf("写入列表失败: %v", err)
	}
	data, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("读取列表失败: %v", err)
	}
	if strings.Contains(string(data), "files.example.org") {
		t.Fatalf("落盘内容应为改写后的列表")
	}
	href, ok, _ := db.Lookup(ctx, remote.Key(), "/simple/foo/", "foo-1.1.whl")
	if !ok || href != "https://files.example.org/packages/cd/foo-1.1.whl" {
		t.Fatalf("应记录外部链接: %q %v", href, ok)
	}

	fetcher := transport.NewFetcher(nil, quietLogger(), db)
	if got := fetcher.ResolveURL(ctx, remote, "/simple/foo/foo-1.1.whl"); got != "https://files.example.org/packages/cd/foo-1.1.whl" {
		t.Fatalf("文件请求应指向外部链接, got %s", got)
	}

	if _, err := tr.Delete(ctx, model.EventMetadata{}); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if _, ok, _ := db.Lookup(ctx, remote.Key(), "/simple/foo/", "foo-1.1.whl"); ok {
		t.Fatalf("删除列表后应清除记录")
	}
}

func TestDecoratorSkipsNonApplicableWrites(t *testing.T) {
	db := NewMemoryRedirects()
	c := newDecoratedCache(t, db, true, nil)
	ctx := context.Background()
	hosted := model.NewHostedRepository("pypi", "local")
	remote := model.NewRemoteRepository("pypi", "pypi", "https://pypi.example/")

	cases := []struct {
		name  string
		store model.ArtifactStore
		path  string
		op    cache.Operation
		meta  model.EventMetadata
	}{
		{"hosted", hosted, "/simple/foo/", cache.OpDownload, model.EventMetadata{URLGenerator: localURL}},
		{"no generator", remote, "/simple/bar/", cache.OpDownload, model.EventMetadata{}},
		{"leaf file", remote, "/packages/foo.html", cache.OpDownload, model.EventMetadata{URLGenerator: localURL}},
		{"generated", remote, "/simple/baz/", cache.OpGenerate, model.EventMetadata{URLGenerator: localURL}},
	}
	for _, tc := range cases {
		tr := c.Transfer(c.LocationFor(tc.store), tc.path)
		if _, err := tr.Write(ctx, strings.NewReader(pypiListing), tc.op, tc.meta); err != nil {
			t.Fatalf("%s: 写入失败: %v", tc.name, err)
		}
		data, _ := tr.ReadAll()
		if string(data) != pypiListing {
			t.Fatalf("%s: 内容不应被改写", tc.name)
		}
	}
	if db.Len() != 0 {
		t.Fatalf("不应产生重定向记录, got %d", db.Len())
	}

	disabled := newDecoratedCache(t, db, false, nil)
	tr := disabled.Transfer(disabled.LocationFor(remote), "/simple/foo/")
	if _, err := tr.Write(ctx, strings.NewReader(pypiListing), cache.OpDownload, model.EventMetadata{URLGenerator: localURL}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if data, _ := tr.ReadAll(); string(data) != pypiListing {
		t.Fatalf("关闭改写后内容应原样保存")
	}
}

func TestRedisRedirects(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	db, err := NewRedisRedirects("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("连接 redis 失败: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	key := model.MustParseStoreKey("maven:remote:central")
	if err := db.Record(ctx, key, "/org/", map[string]string{"a.jar": "https://cdn/a.jar", "b.jar": "https://cdn/b.jar"}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	href, ok, err := db.Lookup(ctx, key, "/org/", "a.jar")
	if err != nil || !ok || href != "https://cdn/a.jar" {
		t.Fatalf("查询结果不符: %q %v %v", href, ok, err)
	}
	if err := db.Record(ctx, key, "/org/", map[string]string{"c.jar": "https://cdn/c.jar"}); err != nil {
		t.Fatalf("覆盖写入失败: %v", err)
	}
	if _, ok, _ := db.Lookup(ctx, key, "/org/", "a.jar"); ok {
		t.Fatalf("Record 应整体替换旧记录")
	}
	if err := db.Clear(ctx, key, "/org/"); err != nil {
		t.Fatalf("清除失败: %v", err)
	}
	if _, ok, err := db.Lookup(ctx, key, "/org/", "c.jar"); ok || err != nil {
		t.Fatalf("清除后不应命中: %v %v", ok, err)
	}
}
