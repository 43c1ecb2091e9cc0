// Package transport 负责 remote 仓库的上游访问：GET/HEAD、交换元数据采集以及 CDN 重定向查找。
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
	"github.com/any-hub/any-depot/internal/version"
)

// ErrUpstreamStatus 表示上游返回了既非 2xx 也非 404 的状态码。
var ErrUpstreamStatus = errors.New("unexpected upstream status")

// RedirectLookup 查询列表解析时记录的外部链接，用于把文件请求直接指向 CDN。
type RedirectLookup interface {
	Lookup(ctx context.Context, key model.StoreKey, parent, filename string) (string, bool, error)
}

// Response 是一次上游 GET 的结果；Exchange.NotFound() 时 Body 为空。
type Response struct {
	Exchange cache.HTTPExchange
	Body     io.ReadCloser
}

// Close 释放响应体。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Fetcher 发起上游请求。
type Fetcher struct {
	client    *http.Client
	logger    *logrus.Logger
	redirects RedirectLookup
}

// NewFetcher 创建 Fetcher；redirects 可以为 nil。
func NewFetcher(client *http.Client, logger *logrus.Logger, redirects RedirectLookup) *Fetcher {
	if client == nil {
		client = NewUpstreamClient(0)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{client: client, logger: logger, redirects: redirects}
}

// SetRedirects 在启动阶段注入重定向表。
func (f *Fetcher) SetRedirects(redirects RedirectLookup) {
	f.redirects = redirects
}

// Get 下载 remote 仓库中的 path。404 返回 Exchange 而非错误，便于调用方缓存。
func (f *Fetcher) Get(ctx context.Context, remote *model.RemoteRepository, p string) (*Response, error) {
	resp, target, cancel, err := f.do(ctx, http.MethodGet, remote, p)
	if err != nil {
		return nil, err
	}
	ex := exchangeFrom(http.MethodGet, target, resp)
	switch {
	case ex.Found():
		return &Response{Exchange: ex, Body: &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}}, nil
	case ex.NotFound():
		resp.Body.Close()
		cancel()
		return &Response{Exchange: ex}, nil
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return &Response{Exchange: ex}, fmt.Errorf("%s %s: %d: %w", http.MethodGet, target, resp.StatusCode, ErrUpstreamStatus)
	}
}

// Head 探测 path 是否存在，不下载内容。
func (f *Fetcher) Head(ctx context.Context, remote *model.RemoteRepository, p string) (cache.HTTPExchange, error) {
	resp, target, cancel, err := f.do(ctx, http.MethodHead, remote, p)
	if err != nil {
		return cache.HTTPExchange{}, err
	}
	defer cancel()
	resp.Body.Close()
	ex := exchangeFrom(http.MethodHead, target, resp)
	if !ex.Found() && !ex.NotFound() {
		return ex, fmt.Errorf("%s %s: %d: %w", http.MethodHead, target, resp.StatusCode, ErrUpstreamStatus)
	}
	return ex, nil
}

// ResolveURL 计算 path 对应的上游地址；命中重定向表时返回记录的外部链接。
func (f *Fetcher) ResolveURL(ctx context.Context, remote *model.RemoteRepository, p string) string {
	base := strings.TrimSuffix(remote.URL, "/")
	p = pkgtype.Normalize(p)
	if f.redirects != nil && !pkgtype.IsListingPath(p) {
		parent := pkgtype.ParentDir(p)
		href, ok, err := f.redirects.Lookup(ctx, remote.Key(), parent, path.Base(p))
		if err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"action": "redirect_lookup",
				"store":  remote.Key().String(),
				"path":   p,
			}).Warn("redirect_lookup_failed")
		} else if ok {
			if resolved, err := resolveHref(base+parent, href); err == nil {
				return resolved
			}
		}
	}
	return base + p
}

func (f *Fetcher) do(ctx context.Context, method string, remote *model.RemoteRepository, p string) (*http.Response, string, context.CancelFunc, error) {
	target := f.ResolveURL(ctx, remote, p)
	cancel := context.CancelFunc(func() {})
	if remote.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, remote.Timeout)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		cancel()
		return nil, target, nil, err
	}
	req.Header.Set("User-Agent", "any-depot/"+version.Version)

	started := time.Now()
	resp, err := f.client.Do(req)
	fields := logrus.Fields{
		"action":     "upstream_request",
		"method":     method,
		"store":      remote.Key().String(),
		"upstream":   target,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		cancel()
		f.logger.WithError(err).WithFields(fields).Warn("upstream_request_failed")
		return nil, target, nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	fields["status"] = resp.StatusCode
	f.logger.WithFields(fields).Debug("upstream_request")
	return resp, target, cancel, nil
}

func exchangeFrom(method, target string, resp *http.Response) cache.HTTPExchange {
	headers := make(http.Header, len(resp.Header))
	CopyHeaders(headers, resp.Header)
	return cache.HTTPExchange{
		Method:     method,
		URL:        target,
		StatusCode: resp.StatusCode,
		Headers:    map[string][]string(headers),
		FetchedAt:  time.Now().UTC(),
	}
}

func resolveHref(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String(), nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
