package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/model"
	_ "github.com/any-hub/any-depot/internal/pkgtype/all"
	"github.com/any-hub/any-depot/internal/registry"
	"github.com/any-hub/any-depot/internal/transport"
)

type fixture struct {
	reg      *registry.Registry
	cache    *cache.Cache
	resolver *Resolver
}

func newFixture(t *testing.T, stores ...model.ArtifactStore) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := registry.New(registry.WithLogger(logger))
	ctx := context.Background()
	for _, s := range stores {
		if _, err := reg.Store(ctx, s, model.NewChangeSummary("tester", "init"), false, false, model.EventMetadata{}); err != nil {
			t.Fatalf("注册仓库失败: %v", err)
		}
	}
	c, err := cache.NewCache(t.TempDir(), cache.WithLogger(logger))
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	fetcher := transport.NewFetcher(transport.NewUpstreamClient(5*time.Second), logger, nil)
	return &fixture{reg: reg, cache: c, resolver: NewResolver(c, reg, fetcher, WithLogger(logger))}
}

func readAll(t *testing.T, tr *cache.Transfer) string {
	t.Helper()
	if tr == nil {
		t.Fatalf("内容句柄为空")
	}
	data, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("读取内容失败: %v", err)
	}
	return string(data)
}

func TestHostedStoreGetDelete(t *testing.T) {
	hosted := model.NewHostedRepository("maven", "local")
	f := newFixture(t, hosted)
	ctx := context.Background()

	if _, err := f.resolver.Store(ctx, hosted, "/org/foo/1.0/foo-1.0.jar", strings.NewReader("jar"), cache.OpUpload, model.EventMetadata{}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	got, err := f.resolver.Get(ctx, hosted, "/org/foo/1.0/foo-1.0.jar", model.EventMetadata{})
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if readAll(t, got) != "jar" {
		t.Fatalf("内容不符")
	}
	ok, err := f.resolver.Exists(ctx, hosted, "/org/foo/")
	if err != nil || !ok {
		t.Fatalf("目录应存在: ok=%v err=%v", ok, err)
	}

	deleted, err := f.resolver.Delete(ctx, hosted, "/org/foo/1.0/foo-1.0.jar", model.EventMetadata{})
	if err != nil || !deleted {
		t.Fatalf("删除失败: deleted=%v err=%v", deleted, err)
	}
	deleted, err = f.resolver.Delete(ctx, hosted, "/org/foo/1.0/foo-1.0.jar", model.EventMetadata{})
	if err != nil || deleted {
		t.Fatalf("重复删除应返回 false: deleted=%v err=%v", deleted, err)
	}
	got, err = f.resolver.Get(ctx, hosted, "/org/foo/1.0/foo-1.0.jar", model.EventMetadata{})
	if err != nil || got != nil {
		t.Fatalf("删除后应不存在: %v %v", got, err)
	}
}

func TestHostedListingGenerated(t *testing.T) {
	hosted := model.NewHostedRepository("maven", "local")
	f := newFixture(t, hosted)
	ctx := context.Background()
	for _, p := range []string{"/org/foo/a.jar", "/org/foo/b.pom", "/org/foo/sub/c.jar"} {
		if _, err := f.resolver.Store(ctx, hosted, p, strings.NewReader("x"), cache.OpUpload, model.EventMetadata{}); err != nil {
			t.Fatalf("写入 %s 失败: %v", p, err)
		}
	}

	listing, err := f.resolver.Get(ctx, hosted, "/org/foo/", model.EventMetadata{})
	if err != nil {
		t.Fatalf("生成目录失败: %v", err)
	}
	entries, err := ParseListing(bytes.NewReader([]byte(readAll(t, listing))))
	if err != nil {
		t.Fatalf("解析目录失败: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if strings.Join(names, ",") != "a.jar,b.pom,sub/" {
		t.Fatalf("目录条目不符: %v", names)
	}

	missing, err := f.resolver.Get(ctx, hosted, "/nope/", model.EventMetadata{})
	if err != nil || missing != nil {
		t.Fatalf("不存在的目录应返回 nil: %v %v", missing, err)
	}
}

func TestHostedWriteRules(t *testing.T) {
	readonly := model.NewHostedRepository("maven", "ro")
	readonly.Readonly = true
	releases := model.NewHostedRepository("maven", "releases")
	masked := model.NewHostedRepository("maven", "masked")
	masked.PathMasks = []string{"/org/"}
	f := newFixture(t, readonly, releases, masked)
	ctx := context.Background()

	_, err := f.resolver.Store(ctx, readonly, "/org/a/1/a-1.jar", strings.NewReader("x"), cache.OpUpload, model.EventMetadata{})
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("只读仓库应拒绝写入, got %v", err)
	}
	if _, err := f.resolver.Store(ctx, readonly, "/org/a/1/a-1.jar", strings.NewReader("x"), cache.OpUpload, model.EventMetadata{IgnoreReadonly: true}); err != nil {
		t.Fatalf("IgnoreReadonly 应允许写入: %v", err)
	}
	if _, err := f.resolver.Delete(ctx, readonly, "/org/a/1/a-1.jar", model.EventMetadata{}); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("只读仓库应拒绝删除, got %v", err)
	}

	_, err = f.resolver.Store(ctx, releases, "/org/a/1.0-SNAPSHOT/a-1.0-SNAPSHOT.jar", strings.NewReader("x"), cache.OpUpload, model.EventMetadata{})
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("未开启 snapshot 的仓库应拒绝快照, got %v", err)
	}
	if _, err := f.resolver.Store(ctx, releases, "/org/a/maven-metadata.xml", strings.NewReader("<metadata/>"), cache.OpUpload, model.EventMetadata{}); err != nil {
		t.Fatalf("元数据不受 snapshot 规则限制: %v", err)
	}

	if _, err := f.resolver.Store(ctx, masked, "/com/a/1/a-1.jar", strings.NewReader("x"), cache.OpUpload, model.EventMetadata{}); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("PathMasks 之外的路径应被拒绝, got %v", err)
	}
}

func TestRemoteFetchCachesContentAndNotFound(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/org/foo/1.0/foo-1.0.jar" {
			_, _ = w.Write([]byte("remote-jar"))
			return
		}
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	remote := model.NewRemoteRepository("maven", "central", upstream.URL)
	f := newFixture(t, remote)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := f.resolver.Get(ctx, remote, "/org/foo/1.0/foo-1.0.jar", model.EventMetadata{})
		if err != nil {
			t.Fatalf("回源失败: %v", err)
		}
		if readAll(t, got) != "remote-jar" {
			t.Fatalf("内容不符")
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("第二次应命中缓存, upstream hits=%d", hits.Load())
	}

	for i := 0; i < 2; i++ {
		got, err := f.resolver.Get(ctx, remote, "/org/missing.jar", model.EventMetadata{})
		if err != nil || got != nil {
			t.Fatalf("404 应返回 nil: %v %v", got, err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("404 应被缓存, upstream hits=%d", hits.Load())
	}
	if _, err := f.resolver.Get(ctx, remote, "/org/missing.jar", model.EventMetadata{ForceRefresh: true}); err != nil {
		t.Fatalf("强制刷新失败: %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("ForceRefresh 应绕过 404 缓存, upstream hits=%d", hits.Load())
	}
}

func TestRemoteConcurrentGetFetchesOnce(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	remote := model.NewRemoteRepository("maven", "central", upstream.URL)
	f := newFixture(t, remote)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.resolver.Get(ctx, remote, "/a/b.jar", model.EventMetadata{})
			if err != nil {
				errs <- err
				return
			}
			if got == nil {
				errs <- errors.New("nil transfer")
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("并发获取失败: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("并发请求应只回源一次, got %d", hits.Load())
	}
}

func TestRemoteFetchSurvivesFirstCallerCancel(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	remote := model.NewRemoteRepository("maven", "central", upstream.URL)
	f := newFixture(t, remote)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.resolver.Get(firstCtx, remote, "/a/b.jar", model.EventMetadata{})
		firstErr <- err
	}()
	for hits.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	type result struct {
		body string
		err  error
	}
	second := make(chan result, 1)
	go func() {
		got, err := f.resolver.Get(context.Background(), remote, "/a/b.jar", model.EventMetadata{})
		if err != nil || got == nil {
			second <- result{err: err}
			return
		}
		data, err := got.ReadAll()
		second <- result{body: string(data), err: err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("被取消的调用方应返回 context.Canceled, got %v", err)
	}
	close(release)

	res := <-second
	if res.err != nil || res.body != "payload" {
		t.Fatalf("其他等待者应拿到回源结果: %q %v", res.body, res.err)
	}
	if hits.Load() != 1 {
		t.Fatalf("应只回源一次, got %d", hits.Load())
	}
}

func TestRemoteExistsUsesHeadAndSidecar(t *testing.T) {
	var heads atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		if r.URL.Path == "/present.jar" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	remote := model.NewRemoteRepository("maven", "central", upstream.URL)
	f := newFixture(t, remote)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := f.resolver.Exists(ctx, remote, "/present.jar")
		if err != nil || !ok {
			t.Fatalf("远端存在的内容应返回 true: ok=%v err=%v", ok, err)
		}
		ok, err = f.resolver.Exists(ctx, remote, "/absent.jar")
		if err != nil || ok {
			t.Fatalf("远端缺失的内容应返回 false: ok=%v err=%v", ok, err)
		}
	}
	if heads.Load() != 2 {
		t.Fatalf("回源记录应避免重复 HEAD, got %d", heads.Load())
	}
}

func TestGroupResolvesFirstMemberHit(t *testing.T) {
	first := model.NewHostedRepository("maven", "first")
	second := model.NewHostedRepository("maven", "second")
	disabled := model.NewHostedRepository("maven", "disabled")
	disabled.Disabled = true
	group := model.NewGroup("maven", "public", disabled.Key(), first.Key(), second.Key())
	f := newFixture(t, first, second, disabled, group)
	ctx := context.Background()

	write := func(store model.ArtifactStore, p, body string) {
		if _, err := f.resolver.Transfer(store, p).Write(ctx, strings.NewReader(body), cache.OpUpload, model.EventMetadata{}); err != nil {
			t.Fatalf("写入失败: %v", err)
		}
	}
	write(disabled, "/x/a.jar", "disabled")
	write(second, "/x/a.jar", "second")
	write(second, "/x/b.jar", "only-second")
	write(first, "/x/a.jar", "first")

	got, err := f.resolver.ResolveGroupByKey(ctx, group.Key(), "/x/a.jar", model.EventMetadata{})
	if err != nil {
		t.Fatalf("group 解析失败: %v", err)
	}
	if readAll(t, got) != "first" {
		t.Fatalf("应返回第一个命中的启用成员")
	}
	got, err = f.resolver.Get(ctx, group, "/x/b.jar", model.EventMetadata{})
	if err != nil || readAll(t, got) != "only-second" {
		t.Fatalf("应回退到后续成员: %v", err)
	}
	got, err = f.resolver.Get(ctx, group, "/x/none.jar", model.EventMetadata{})
	if err != nil || got != nil {
		t.Fatalf("全部成员缺失应返回 nil: %v %v", got, err)
	}

	member, err := f.resolver.WritableMember(group, "/x/c.jar")
	if err != nil || member.Key() != first.Key() {
		t.Fatalf("可写成员应为 first: %v %v", member, err)
	}
}
