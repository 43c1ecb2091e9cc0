package routes

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/consolidation"
	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/koji"
	"github.com/any-hub/any-depot/internal/merge"
	"github.com/any-hub/any-depot/internal/metrics"
	"github.com/any-hub/any-depot/internal/model"
	_ "github.com/any-hub/any-depot/internal/pkgtype/all"
	"github.com/any-hub/any-depot/internal/promote"
	"github.com/any-hub/any-depot/internal/registry"
	"github.com/any-hub/any-depot/internal/server"
	"github.com/any-hub/any-depot/internal/transport"
)

const baseURL = "http://depot.local"

type fixture struct {
	app      *fiber.App
	reg      *registry.Registry
	cache    *cache.Cache
	resolver *content.Resolver
	logger   *logrus.Logger
}

func newFixture(t *testing.T, stores ...model.ArtifactStore) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx := context.Background()

	reg := registry.New(registry.WithLogger(logger))
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
	resolver := content.NewResolver(c, reg, fetcher, content.WithLogger(logger))

	app, err := server.NewApp(server.AppOptions{Logger: logger, ListenPort: 5000})
	if err != nil {
		t.Fatalf("创建应用失败: %v", err)
	}
	RegisterContentRoutes(app, ContentDeps{
		Stores:    reg,
		Resolver:  resolver,
		Publisher: merge.NewPublisher(resolver, logger),
		BaseURL:   baseURL,
		Logger:    logger,
	})
	RegisterAdminRoutes(app, AdminDeps{Registry: reg, Logger: logger})
	return &fixture{app: app, reg: reg, cache: c, resolver: resolver, logger: logger}
}

func (f *fixture) do(t *testing.T, method, target, body string, headers ...string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s 失败: %v", method, target, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	return string(data)
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("期望 %d，实际 %d: %s", want, resp.StatusCode, readBody(t, resp))
	}
}

func TestContentPutGetHeadDelete(t *testing.T) {
	hosted := model.NewHostedRepository("maven", "local")
	f := newFixture(t, hosted)
	url := "/api/content/maven/hosted/local/org/foo/1.0/foo-1.0.jar"

	resp := f.do(t, "PUT", url, "jar-bytes")
	expectStatus(t, resp, fiber.StatusCreated)
	if loc := resp.Header.Get("Location"); loc != baseURL+url {
		t.Fatalf("Location 不符: %s", loc)
	}

	resp = f.do(t, "GET", url, "")
	expectStatus(t, resp, fiber.StatusOK)
	if body := readBody(t, resp); body != "jar-bytes" {
		t.Fatalf("内容不符: %s", body)
	}
	if resp.Header.Get("Last-Modified") == "" {
		t.Fatalf("缺少 Last-Modified")
	}

	resp = f.do(t, "HEAD", url, "")
	expectStatus(t, resp, fiber.StatusOK)
	if resp.Header.Get("Content-Length") != "9" {
		t.Fatalf("HEAD Content-Length 不符: %q", resp.Header.Get("Content-Length"))
	}

	resp = f.do(t, "GET", "/api/content/maven/hosted/local/org/foo/", "")
	expectStatus(t, resp, fiber.StatusOK)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("目录列表应为 HTML: %s", resp.Header.Get("Content-Type"))
	}
	if body := readBody(t, resp); !strings.Contains(body, "1.0/") {
		t.Fatalf("目录列表缺少子目录: %s", body)
	}

	expectStatus(t, f.do(t, "DELETE", url, ""), fiber.StatusNoContent)
	expectStatus(t, f.do(t, "DELETE", url, ""), fiber.StatusNotFound)

	resp = f.do(t, "GET", url, "")
	expectStatus(t, resp, fiber.StatusNotFound)
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] != "not_found" {
		t.Fatalf("404 错误体不符: %v %v", body, err)
	}
	expectStatus(t, f.do(t, "HEAD", url, ""), fiber.StatusNotFound)
}

func TestContentRejectsUnknownStores(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, "GET", "/api/content/maven/hosted/missing/a.jar", ""), fiber.StatusNotFound)
	expectStatus(t, f.do(t, "GET", "/api/content/maven/cluster/x/a.jar", ""), fiber.StatusBadRequest)
}

func TestContentReadonlyPutConflicts(t *testing.T) {
	hosted := model.NewHostedRepository("maven", "frozen")
	hosted.Readonly = true
	f := newFixture(t, hosted)
	resp := f.do(t, "PUT", "/api/content/maven/hosted/frozen/a/1.0/a-1.0.jar", "x")
	expectStatus(t, resp, fiber.StatusConflict)
}

func TestContentGroupPutGoesToWritableMember(t *testing.T) {
	frozen := model.NewHostedRepository("maven", "frozen")
	frozen.Readonly = true
	local := model.NewHostedRepository("maven", "local")
	group := model.NewGroup("maven", "public")
	group.AddConstituent(frozen.Key())
	group.AddConstituent(local.Key())
	f := newFixture(t, frozen, local, group)

	resp := f.do(t, "PUT", "/api/content/maven/group/public/org/foo/1.0/foo-1.0.pom", "<project/>")
	expectStatus(t, resp, fiber.StatusCreated)
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "/maven/hosted/local/") {
		t.Fatalf("应写入 local 成员: %s", loc)
	}
	if !f.resolver.Transfer(local, "/org/foo/1.0/foo-1.0.pom").Exists() {
		t.Fatalf("local 中缺少文件")
	}
}

func TestContentNPMPublish(t *testing.T) {
	hosted := model.NewHostedRepository("npm", "local")
	f := newFixture(t, hosted)

	upload := `{"name":"left-pad","versions":{"1.0.0":{"version":"1.0.0"}},"dist-tags":{"latest":"1.0.0"}}`
	expectStatus(t, f.do(t, "PUT", "/api/content/npm/hosted/local/left-pad", upload), fiber.StatusCreated)

	resp := f.do(t, "GET", "/api/content/npm/hosted/local/left-pad", "")
	expectStatus(t, resp, fiber.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("npm 元数据类型不符: %s", ct)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(readBody(t, resp)), &doc); err != nil {
		t.Fatalf("解析元数据失败: %v", err)
	}
	if _, ok := doc["versions"]; !ok {
		t.Fatalf("元数据缺少 versions: %v", doc)
	}
}

func TestAdminStoreCRUD(t *testing.T) {
	f := newFixture(t)
	url := "/api/admin/stores/maven/remote/central"

	expectStatus(t, f.do(t, "GET", url, ""), fiber.StatusNotFound)

	resp := f.do(t, "PUT", url, `{"url":"https://repo1.example/maven2/","description":"central"}`,
		"Content-Type", "application/json", "X-Change-User", "alice")
	expectStatus(t, resp, fiber.StatusCreated)

	resp = f.do(t, "GET", url, "")
	expectStatus(t, resp, fiber.StatusOK)
	var stored map[string]interface{}
	if err := json.Unmarshal([]byte(readBody(t, resp)), &stored); err != nil {
		t.Fatalf("解析仓库失败: %v", err)
	}
	if stored["key"] != "maven:remote:central" || stored["description"] != "central" {
		t.Fatalf("仓库内容不符: %v", stored)
	}

	expectStatus(t, f.do(t, "PUT", url, `{"url":"https://other.example/"}`), fiber.StatusOK)
	expectStatus(t, f.do(t, "PUT", url, `{"key":"maven:remote:other","url":"https://other.example/"}`), fiber.StatusBadRequest)
	expectStatus(t, f.do(t, "PUT", url, `{"url":"https://x.example/","revision":99}`), fiber.StatusConflict)

	resp = f.do(t, "GET", "/api/admin/stores?type=remote", "")
	expectStatus(t, resp, fiber.StatusOK)
	var list struct {
		Items []map[string]interface{} `json:"items"`
	}
	if err := json.Unmarshal([]byte(readBody(t, resp)), &list); err != nil {
		t.Fatalf("解析列表失败: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("列表数量不符: %v", list.Items)
	}
	expectStatus(t, f.do(t, "GET", "/api/admin/stores?type=bogus", ""), fiber.StatusBadRequest)

	expectStatus(t, f.do(t, "DELETE", url, ""), fiber.StatusNoContent)
	expectStatus(t, f.do(t, "DELETE", url, ""), fiber.StatusNotFound)
}

func TestAdminPackageTypes(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "/api/admin/package-types", "")
	expectStatus(t, resp, fiber.StatusOK)
	body := readBody(t, resp)
	for _, name := range []string{"maven", "npm", "pypi", "generic-http"} {
		if !strings.Contains(body, `"`+name+`"`) {
			t.Fatalf("缺少包类型 %s: %s", name, body)
		}
	}
}

type fakeBuilds struct {
	build    koji.Build
	archives []koji.Archive
}

func (b *fakeBuilds) GetBuild(_ context.Context, nvr string) (*koji.Build, error) {
	if nvr != b.build.NVR {
		return nil, koji.ErrBuildNotFound
	}
	build := b.build
	return &build, nil
}

func (b *fakeBuilds) ListArchives(_ context.Context, buildID int) ([]koji.Archive, error) {
	return b.archives, nil
}

func TestKojiConsolidateAccepted(t *testing.T) {
	jar := "jar-bytes"
	files := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/packages/foo/1.0/1/maven/org/example/foo/1.0/foo-1.0.jar" {
			_, _ = io.WriteString(w, jar)
			return
		}
		http.NotFound(w, r)
	})
	kojiServer := httptest.NewServer(files)
	defer kojiServer.Close()

	group := model.NewGroup("maven", "public")
	f := newFixture(t, group)
	sum := md5.Sum([]byte(jar))
	builds := &fakeBuilds{
		build: koji.Build{ID: 1, NVR: "foo-1.0-1", Name: "foo", Version: "1.0", Release: "1"},
		archives: []koji.Archive{{
			ID: 10, Filename: "foo-1.0.jar", GroupID: "org.example", ArtifactID: "foo", Version: "1.0",
			Checksum: hex.EncodeToString(sum[:]),
		}},
	}
	consolidator := consolidation.New(f.reg, f.resolver, nil, consolidation.Options{Logger: f.logger})
	RegisterKojiRoutes(f.app, KojiDeps{
		Builds:       builds,
		Groups:       f.reg,
		Consolidator: consolidator,
		DownloadBase: kojiServer.URL,
		Logger:       f.logger,
	})

	resp := f.do(t, "POST", "/api/koji/consolidate", `{"nvr":"missing-1-1","targetGroup":"maven:group:public","targetRepo":"koji-builds"}`)
	expectStatus(t, resp, fiber.StatusNotFound)
	resp = f.do(t, "POST", "/api/koji/consolidate", `{"nvr":"foo-1.0-1","targetGroup":"maven:hosted:x","targetRepo":"koji-builds"}`)
	expectStatus(t, resp, fiber.StatusBadRequest)

	resp = f.do(t, "POST", "/api/koji/consolidate", `{"nvr":"foo-1.0-1","targetGroup":"maven:group:public","targetRepo":"koji-builds","user":"bob"}`)
	expectStatus(t, resp, fiber.StatusAccepted)

	deadline := time.Now().Add(5 * time.Second)
	var report consolidation.Report
	for time.Now().Before(deadline) {
		resp = f.do(t, "GET", "/api/koji/consolidate/foo-1.0-1", "")
		expectStatus(t, resp, fiber.StatusOK)
		if err := json.Unmarshal([]byte(readBody(t, resp)), &report); err != nil {
			t.Fatalf("解析报告失败: %v", err)
		}
		if report.State == consolidation.StateSucceeded || report.State == consolidation.StateFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if report.State != consolidation.StateSucceeded {
		t.Fatalf("consolidation 未成功: %+v", report)
	}
	resp = f.do(t, "GET", "/api/content/maven/hosted/koji-builds/org/example/foo/1.0/foo-1.0.jar", "")
	expectStatus(t, resp, fiber.StatusOK)
	if body := readBody(t, resp); body != jar {
		t.Fatalf("目标仓库内容不符: %s", body)
	}
	expectStatus(t, f.do(t, "GET", "/api/koji/consolidate/other-1-1", ""), fiber.StatusNotFound)
}

func TestPromoteValidate(t *testing.T) {
	staging := model.NewHostedRepository("maven", "staging")
	staging.AllowSnapshots = true
	releases := model.NewHostedRepository("maven", "releases")
	f := newFixture(t, staging, releases)
	ctx := context.Background()
	if _, err := f.resolver.Store(ctx, staging, "/org/foo/1.0-SNAPSHOT/foo-1.0-SNAPSHOT.jar", strings.NewReader("x"), cache.OpUpload, model.EventMetadata{}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	sets, err := promote.ParseRuleSets([]byte("name: releases\nstoreKeyPattern: \"maven:hosted:releases\"\nrules:\n  - no-snapshots.groovy\n"))
	if err != nil {
		t.Fatalf("解析规则集失败: %v", err)
	}
	validator := promote.NewValidator(f.reg, f.resolver, sets, func(key model.StoreKey) string {
		return server.StoreURL(baseURL, key)
	}, promote.WithLogger(f.logger))
	RegisterPromoteRoutes(f.app, validator, f.logger)

	resp := f.do(t, "POST", "/api/promote/validate", `{"source":"maven:hosted:staging","target":"maven:hosted:releases"}`)
	expectStatus(t, resp, fiber.StatusOK)
	var result promote.ValidationResult
	if err := json.Unmarshal([]byte(readBody(t, resp)), &result); err != nil {
		t.Fatalf("解析结果失败: %v", err)
	}
	if result.Valid || result.RuleSet != "releases" || !strings.Contains(result.ValidatorErrors["no-snapshots"], "foo-1.0-SNAPSHOT.jar") {
		t.Fatalf("校验结果不符: %+v", result)
	}

	expectStatus(t, f.do(t, "POST", "/api/promote/validate", `{"source":"maven:hosted:staging"}`), fiber.StatusBadRequest)
	expectStatus(t, f.do(t, "POST", "/api/promote/validate", `not-json`), fiber.StatusBadRequest)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	rec := metrics.NewProm("anydepot", reg)
	rec.IncFetch("remote", "hit")
	RegisterMetricsRoute(f.app, metrics.Handler(reg))

	resp := f.do(t, "GET", "/metrics", "")
	expectStatus(t, resp, fiber.StatusOK)
	if body := readBody(t, resp); !strings.Contains(body, `anydepot_fetch_total{result="hit",store_type="remote"} 1`) {
		t.Fatalf("指标输出不符: %s", body)
	}
}
