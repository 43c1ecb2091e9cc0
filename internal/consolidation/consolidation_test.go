package consolidation

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/koji"
	"github.com/any-hub/any-depot/internal/locks"
	"github.com/any-hub/any-depot/internal/model"
	_ "github.com/any-hub/any-depot/internal/pkgtype/all"
	"github.com/any-hub/any-depot/internal/registry"
	"github.com/any-hub/any-depot/internal/transport"
	"github.com/any-hub/any-depot/internal/workpool"
)

const (
	jarPath = "/org/example/foo/1.0/foo-1.0.jar"
	pomPath = "/org/example/foo/1.0/foo-1.0.pom"
	mdPath  = "/org/example/foo/1.0/maven-metadata.xml"
)

type kojiFiles struct {
	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
}

func (k *kojiFiles) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := r.URL.Path
	if idx := strings.Index(p, "/maven/"); idx >= 0 {
		p = p[idx+len("/maven"):]
	}
	k.hits[p]++
	body, ok := k.files[p]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, body)
}

func (k *kojiFiles) count(p string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.hits[p]
}

type fixture struct {
	reg      *registry.Registry
	cache    *cache.Cache
	resolver *content.Resolver
	locker   *locks.Locker[model.StoreKey]
	files    *kojiFiles
	server   *httptest.Server
	group    *model.Group
	logger   *logrus.Logger
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	files := &kojiFiles{
		files: map[string]string{jarPath: "jar-bytes", pomPath: "<project/>"},
		hits:  map[string]int{},
	}
	server := httptest.NewServer(files)
	t.Cleanup(server.Close)

	reg := registry.New(registry.WithLogger(logger))
	group := model.NewGroup("maven", "public")
	if _, err := reg.Store(context.Background(), group, model.NewChangeSummary("tester", "init"), false, false, model.EventMetadata{}); err != nil {
		t.Fatalf("注册 group 失败: %v", err)
	}
	c, err := cache.NewCache(t.TempDir(), cache.WithLogger(logger))
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	fetcher := transport.NewFetcher(transport.NewUpstreamClient(5*time.Second), logger, nil)
	resolver := content.NewResolver(c, reg, fetcher, content.WithLogger(logger))
	return &fixture{
		reg:      reg,
		cache:    c,
		resolver: resolver,
		locker:   locks.New[model.StoreKey](),
		files:    files,
		server:   server,
		group:    group,
		logger:   logger,
	}
}

func (f *fixture) consolidator(opts Options) *Consolidator {
	opts.Logger = f.logger
	return New(f.reg, f.resolver, f.locker, opts)
}

func (f *fixture) build(jarChecksum string) *koji.BuildRemote {
	build := koji.Build{ID: 1, NVR: "foo-1.0-1", Name: "foo", Version: "1.0", Release: "1"}
	archives := []koji.Archive{
		{ID: 10, Filename: "foo-1.0.jar", GroupID: "org.example", ArtifactID: "foo", Version: "1.0", Checksum: jarChecksum},
		{ID: 11, Filename: "foo-1.0.pom", GroupID: "org.example", ArtifactID: "foo", Version: "1.0", Checksum: md5Hex("<project/>")},
	}
	return koji.NewBuildRemote(build, archives, f.server.URL)
}

func (f *fixture) prepare(t *testing.T, c *Consolidator, br *koji.BuildRemote) *model.HostedRepository {
	t.Helper()
	ctx := context.Background()
	group, err := f.reg.GetGroup(f.group.Key())
	if err != nil {
		t.Fatalf("读取 group 失败: %v", err)
	}
	target, err := c.TargetFor(ctx, group, "koji-builds", "tester", true)
	if err != nil {
		t.Fatalf("创建目标仓库失败: %v", err)
	}
	if err := c.Prepare(ctx, br, f.group.Key(), "tester"); err != nil {
		t.Fatalf("注册临时 remote 失败: %v", err)
	}
	return target
}

func (f *fixture) read(t *testing.T, store model.ArtifactStore, p string) string {
	t.Helper()
	data, err := f.resolver.Transfer(store, p).ReadAll()
	if err != nil {
		t.Fatalf("读取 %s 失败: %v", p, err)
	}
	return string(data)
}

func TestConsolidationStoresArtifactsAndRemovesRemote(t *testing.T) {
	f := newFixture(t)
	c := f.consolidator(Options{Workers: 2})
	br := f.build(md5Hex("jar-bytes"))
	target := f.prepare(t, c, br)
	ctx := context.Background()

	group, _ := f.reg.GetGroup(f.group.Key())
	if group.IndexOf(target.Key()) != 0 || !group.HasConstituent(br.Remote.Key()) {
		t.Fatalf("目标仓库应位于首位且 remote 在 group 中: %v", group.Constituents)
	}
	if !target.Readonly || target.AllowSnapshots {
		t.Fatalf("目标仓库应只读且禁止 snapshot")
	}

	staleTarget := f.resolver.Transfer(target, mdPath)
	staleGroup := f.resolver.Transfer(group, mdPath)
	for _, tr := range []*cache.Transfer{staleTarget, staleGroup} {
		if err := tr.WriteBytes(ctx, []byte("<metadata/>"), cache.OpGenerate, model.EventMetadata{}); err != nil {
			t.Fatalf("写入旧元数据失败: %v", err)
		}
	}

	report, err := c.Run(ctx, br, target, f.group.Key(), "tester")
	if err != nil {
		t.Fatalf("consolidation 失败: %v", err)
	}
	if report.State != StateSucceeded || len(report.Stored) != 2 {
		t.Fatalf("报告不符: %+v", report)
	}
	if f.read(t, target, jarPath) != "jar-bytes" || f.read(t, target, pomPath) != "<project/>" {
		t.Fatalf("目标仓库内容不符")
	}
	if staleTarget.Exists() || staleGroup.Exists() {
		t.Fatalf("目标仓库与 group 中的元数据应被清除")
	}

	group, _ = f.reg.GetGroup(f.group.Key())
	if group.HasConstituent(br.Remote.Key()) {
		t.Fatalf("成功后 remote 应从 group 移除")
	}
	if f.reg.Has(br.Remote.Key()) {
		t.Fatalf("成功后 remote 定义应被删除")
	}
	if status, ok := c.Status("foo-1.0-1"); !ok || status.State != StateSucceeded {
		t.Fatalf("状态不符: %+v", status)
	}
}

func TestConsolidationNeverOverwritesExistingContent(t *testing.T) {
	f := newFixture(t)
	c := f.consolidator(Options{})
	br := f.build(md5Hex("jar-bytes"))
	target := f.prepare(t, c, br)
	ctx := context.Background()

	if err := f.resolver.Transfer(target, jarPath).WriteBytes(ctx, []byte("original"), cache.OpUpload, model.EventMetadata{}); err != nil {
		t.Fatalf("写入已有内容失败: %v", err)
	}
	report, err := c.Run(ctx, br, target, f.group.Key(), "tester")
	if err != nil {
		t.Fatalf("consolidation 失败: %v", err)
	}
	if f.read(t, target, jarPath) != "original" {
		t.Fatalf("已有内容不应被覆盖")
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != jarPath {
		t.Fatalf("应跳过已有路径: %+v", report)
	}
	if f.files.count(jarPath) != 0 {
		t.Fatalf("已有路径不应回源")
	}
}

func TestConsolidationChecksumMismatchFailsPermanently(t *testing.T) {
	f := newFixture(t)
	c := f.consolidator(Options{MaxAttempts: 3})
	br := f.build(md5Hex("something-else"))
	target := f.prepare(t, c, br)

	report, err := c.Run(context.Background(), br, target, f.group.Key(), "tester")
	if !errors.Is(err, ErrPermanentFailure) {
		t.Fatalf("应返回 ErrPermanentFailure, got %v", err)
	}
	if report.State != StateFailed || len(report.Failed) != 1 || report.Failed[0] != jarPath {
		t.Fatalf("报告不符: %+v", report)
	}
	if got := f.files.count(jarPath); got != 3 {
		t.Fatalf("应重试 3 次, got %d", got)
	}
	if f.resolver.Transfer(target, jarPath).Exists() {
		t.Fatalf("校验失败的产物不应入库")
	}
	if f.read(t, target, pomPath) != "<project/>" {
		t.Fatalf("其他产物不受影响")
	}

	group, _ := f.reg.GetGroup(f.group.Key())
	if !group.HasConstituent(br.Remote.Key()) {
		t.Fatalf("失败时 remote 应保留在 group 中")
	}
	stored, err := f.reg.Get(br.Remote.Key())
	if err != nil {
		t.Fatalf("失败时 remote 定义应保留: %v", err)
	}
	if stored.Base().GetMetadata(koji.MetaConsolidationResult) != "false" {
		t.Fatalf("remote 应带有失败标记")
	}
}

func TestConsolidationFinalizeLockTimeoutKeepsRemote(t *testing.T) {
	f := newFixture(t)
	c := f.consolidator(Options{LockTimeout: 50 * time.Millisecond})
	br := f.build(md5Hex("jar-bytes"))
	target := f.prepare(t, c, br)

	unlock, err := f.locker.Lock(context.Background(), f.group.Key(), time.Second)
	if err != nil {
		t.Fatalf("获取锁失败: %v", err)
	}
	defer unlock()

	_, err = c.Run(context.Background(), br, target, f.group.Key(), "tester")
	if !errors.Is(err, locks.ErrLockTimeout) {
		t.Fatalf("应返回锁超时, got %v", err)
	}
	group, _ := f.reg.GetGroup(f.group.Key())
	if !group.HasConstituent(br.Remote.Key()) {
		t.Fatalf("收尾失败时 remote 应保留在 group 中")
	}
}

func TestConsolidationInterruptedStillFinalizes(t *testing.T) {
	f := newFixture(t)
	c := f.consolidator(Options{})
	br := f.build(md5Hex("jar-bytes"))
	target := f.prepare(t, c, br)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := c.Run(ctx, br, target, f.group.Key(), "tester")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("应向上返回取消错误, got %v", err)
	}
	if report.State != StateFailed {
		t.Fatalf("中断后状态应为 failed: %+v", report)
	}
	stored, err := f.reg.Get(br.Remote.Key())
	if err != nil || stored.Base().GetMetadata(koji.MetaConsolidationResult) != "false" {
		t.Fatalf("中断后应保留带失败标记的 remote: %v", err)
	}
}

func TestStartRunsInBackground(t *testing.T) {
	f := newFixture(t)
	exec := workpool.NewExecutor("koji", 2, f.logger)
	c := f.consolidator(Options{Executor: exec})
	br := f.build(md5Hex("jar-bytes"))
	target := f.prepare(t, c, br)

	if err := c.Start(br, target, f.group.Key(), "tester"); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	exec.Wait()
	status, ok := c.Status("foo-1.0-1")
	if !ok || status.State != StateSucceeded {
		t.Fatalf("后台任务应完成: %+v", status)
	}
}

func TestConsolidationRetryAfterFailureSucceeds(t *testing.T) {
	f := newFixture(t)
	c := f.consolidator(Options{MaxAttempts: 2})
	failed := f.build(md5Hex("something-else"))
	target := f.prepare(t, c, failed)
	if _, err := c.Run(context.Background(), failed, target, f.group.Key(), "tester"); !errors.Is(err, ErrPermanentFailure) {
		t.Fatalf("第一次应失败, got %v", err)
	}

	retry := f.build(md5Hex("jar-bytes"))
	target = f.prepare(t, c, retry)
	if retry.Failed() {
		t.Fatalf("重新准备后不应带有失败标记")
	}
	stored, err := f.reg.Get(retry.Remote.Key())
	if err != nil || stored.Base().GetMetadata(koji.MetaConsolidationResult) != "" {
		t.Fatalf("注册表中的失败标记应被清除: %v", err)
	}

	report, err := c.Run(context.Background(), retry, target, f.group.Key(), "tester")
	if err != nil {
		t.Fatalf("重试应成功: %v (%+v)", err, report)
	}
	if report.State != StateSucceeded || len(report.Stored) != 1 || report.Stored[0] != jarPath {
		t.Fatalf("报告不符: %+v", report)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != pomPath {
		t.Fatalf("上次已入库的产物应跳过: %+v", report)
	}
	group, _ := f.reg.GetGroup(f.group.Key())
	if group.HasConstituent(retry.Remote.Key()) || f.reg.Has(retry.Remote.Key()) {
		t.Fatalf("成功后 remote 应被移除: %v", group.Constituents)
	}
}

func TestConsolidationPartialFailureKeepsRemote(t *testing.T) {
	f := newFixture(t)
	sourcesPath := "/org/example/foo/1.0/foo-1.0-sources.jar"
	f.files.files[sourcesPath] = "sources-bytes"
	c := f.consolidator(Options{MaxAttempts: 2})

	build := koji.Build{ID: 1, NVR: "foo-1.0-1", Name: "foo", Version: "1.0", Release: "1"}
	archives := []koji.Archive{
		{ID: 10, Filename: "foo-1.0.jar", GroupID: "org.example", ArtifactID: "foo", Version: "1.0", Checksum: md5Hex("jar-bytes")},
		{ID: 11, Filename: "foo-1.0.pom", GroupID: "org.example", ArtifactID: "foo", Version: "1.0", Checksum: md5Hex("not-the-pom")},
		{ID: 12, Filename: "foo-1.0-sources.jar", GroupID: "org.example", ArtifactID: "foo", Version: "1.0", Checksum: md5Hex("sources-bytes")},
	}
	br := koji.NewBuildRemote(build, archives, f.server.URL)
	target := f.prepare(t, c, br)

	report, err := c.Run(context.Background(), br, target, f.group.Key(), "tester")
	if !errors.Is(err, ErrPermanentFailure) {
		t.Fatalf("应返回 ErrPermanentFailure, got %v", err)
	}
	if len(report.Stored) != 2 || len(report.Failed) != 1 || report.Failed[0] != pomPath {
		t.Fatalf("报告不符: %+v", report)
	}
	if f.read(t, target, jarPath) != "jar-bytes" || f.read(t, target, sourcesPath) != "sources-bytes" {
		t.Fatalf("第 1、3 个产物应入库")
	}
	if f.resolver.Transfer(target, pomPath).Exists() {
		t.Fatalf("校验失败的产物不应入库")
	}
	if got := f.files.count(pomPath); got != 2 {
		t.Fatalf("应按 MaxAttempts 重试 2 次, got %d", got)
	}
	group, _ := f.reg.GetGroup(f.group.Key())
	if !group.HasConstituent(br.Remote.Key()) {
		t.Fatalf("失败时 remote 应保留在 group 中")
	}
}

// finalizeRecorder 记录 consolidation 对 group 与 remote 的写入顺序。
type finalizeRecorder struct {
	*registry.Registry
	group model.StoreKey

	mu  sync.Mutex
	on  bool
	ops []string
}

func (r *finalizeRecorder) Store(ctx context.Context, store model.ArtifactStore, summary model.ChangeSummary, skipIfExists, fireEvents bool, meta model.EventMetadata) (bool, error) {
	stored, err := r.Registry.Store(ctx, store, summary, skipIfExists, fireEvents, meta)
	if err == nil && store.Key() == r.group {
		r.add("group")
		// 拉长临界区，让交错更容易暴露。
		time.Sleep(20 * time.Millisecond)
	}
	return stored, err
}

func (r *finalizeRecorder) Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary, meta model.EventMetadata) (bool, error) {
	deleted, err := r.Registry.Delete(ctx, key, summary, meta)
	if err == nil {
		r.add("delete " + key.Name)
	}
	return deleted, err
}

func (r *finalizeRecorder) add(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.on {
		r.ops = append(r.ops, op)
	}
}

func (r *finalizeRecorder) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.on = true
}

func TestConcurrentFinalizingIsExclusive(t *testing.T) {
	f := newFixture(t)
	rec := &finalizeRecorder{Registry: f.reg, group: f.group.Key()}
	c := New(rec, f.resolver, f.locker, Options{Logger: f.logger})
	ctx := context.Background()

	builds := make([]*koji.BuildRemote, 0, 2)
	for _, name := range []string{"foo", "bar"} {
		jar := fmt.Sprintf("/org/example/%s/1.0/%s-1.0.jar", name, name)
		f.files.files[jar] = name + "-bytes"
		build := koji.Build{ID: len(builds) + 1, NVR: name + "-1.0-1", Name: name, Version: "1.0", Release: "1"}
		archives := []koji.Archive{{ID: 20 + len(builds), Filename: name + "-1.0.jar", GroupID: "org.example", ArtifactID: name, Version: "1.0", Checksum: md5Hex(name + "-bytes")}}
		builds = append(builds, koji.NewBuildRemote(build, archives, f.server.URL))
	}
	var target *model.HostedRepository
	for _, br := range builds {
		target = f.prepare(t, c, br)
	}
	rec.start()

	var wg sync.WaitGroup
	errs := make([]error, len(builds))
	for i, br := range builds {
		wg.Add(1)
		go func(i int, br *koji.BuildRemote) {
			defer wg.Done()
			_, errs[i] = c.Run(ctx, br, target, f.group.Key(), "tester")
		}(i, br)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("第 %d 个 consolidation 失败: %v", i, err)
		}
	}
	rec.mu.Lock()
	ops := append([]string(nil), rec.ops...)
	rec.mu.Unlock()
	if len(ops) != 4 {
		t.Fatalf("应记录两次 group 写入与两次 remote 删除: %v", ops)
	}
	for i := 0; i < len(ops); i += 2 {
		if ops[i] != "group" || !strings.HasPrefix(ops[i+1], "delete koji-") {
			t.Fatalf("收尾阶段发生交错: %v", ops)
		}
	}
	group, _ := f.reg.GetGroup(f.group.Key())
	for _, br := range builds {
		if group.HasConstituent(br.Remote.Key()) || f.reg.Has(br.Remote.Key()) {
			t.Fatalf("%s 应被移除: %v", br.Remote.Key(), group.Constituents)
		}
	}
}

func TestConcurrentPrepareOnSameGroup(t *testing.T) {
	f := newFixture(t)
	c := f.consolidator(Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 6)
	remotes := make([]model.StoreKey, len(errs))
	for i := range errs {
		build := koji.Build{ID: i + 1, NVR: fmt.Sprintf("foo-1.0-%d", i+1), Name: "foo", Version: "1.0", Release: fmt.Sprint(i + 1)}
		br := koji.NewBuildRemote(build, nil, f.server.URL)
		remotes[i] = br.Remote.Key()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			group, err := f.reg.GetGroup(f.group.Key())
			if err != nil {
				errs[i] = err
				return
			}
			if _, err := c.TargetFor(ctx, group, "koji-builds", "tester", true); err != nil {
				errs[i] = err
				return
			}
			errs[i] = c.Prepare(ctx, br, f.group.Key(), "tester")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("第 %d 个请求失败: %v", i, err)
		}
	}
	group, _ := f.reg.GetGroup(f.group.Key())
	target := model.NewStoreKey(model.PackageTypeMaven, model.StoreTypeHosted, "koji-builds")
	if group.IndexOf(target) != 0 {
		t.Fatalf("目标仓库应位于首位: %v", group.Constituents)
	}
	for _, key := range remotes {
		if !group.HasConstituent(key) {
			t.Fatalf("group 缺少 %s: %v", key, group.Constituents)
		}
	}
}

func TestConsolidationWarnsOnUnverifiedChecksum(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	f.logger.SetOutput(&buf)
	c := f.consolidator(Options{})

	build := koji.Build{ID: 1, NVR: "foo-1.0-1", Name: "foo", Version: "1.0", Release: "1"}
	archives := []koji.Archive{
		{ID: 10, Filename: "foo-1.0.jar", GroupID: "org.example", ArtifactID: "foo", Version: "1.0", Checksum: "abc", ChecksumType: 9},
	}
	br := koji.NewBuildRemote(build, archives, f.server.URL)
	target := f.prepare(t, c, br)

	if _, err := c.Run(context.Background(), br, target, f.group.Key(), "tester"); err != nil {
		t.Fatalf("consolidation 失败: %v", err)
	}
	if !strings.Contains(buf.String(), "consolidation_checksum_unverified") {
		t.Fatalf("未知摘要类型应记录告警: %s", buf.String())
	}
}
