package cdn

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
)

const recordTimeout = 5 * time.Second

// ListingDecorator 是 cache.WriteDecorator：remote 目录列表下载落盘前，
// 把链接改写为本服务地址，并记录非根相对的原始链接。
type ListingDecorator struct {
	db      RedirectDB
	enabled bool
	logger  *logrus.Logger
}

// NewListingDecorator 创建装饰器；enabled 为 false 时所有写入原样通过。
func NewListingDecorator(db RedirectDB, enabled bool, logger *logrus.Logger) *ListingDecorator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ListingDecorator{db: db, enabled: enabled, logger: logger}
}

// Decorate 满足 cache.WriteDecorator。
func (d *ListingDecorator) Decorate(w io.WriteCloser, t *cache.Transfer, op cache.Operation, meta model.EventMetadata) (io.WriteCloser, error) {
	if !d.applies(t, op, meta) {
		return w, nil
	}
	return &listingWriter{next: w, t: t, gen: meta.URLGenerator, d: d}, nil
}

func (d *ListingDecorator) applies(t *cache.Transfer, op cache.Operation, meta model.EventMetadata) bool {
	if !d.enabled || meta.URLGenerator == nil || op != cache.OpDownload {
		return false
	}
	key := t.Key()
	if key.Type != model.StoreTypeRemote {
		return false
	}
	info := pkgtype.Classify(key.PackageType, t.Path())
	return info.Listing || info.Decoratable
}

// listingWriter 缓冲全部内容，Close 时一次性解析并改写。
type listingWriter struct {
	next io.WriteCloser
	t    *cache.Transfer
	gen  model.URLGenerator
	d    *ListingDecorator
	buf  bytes.Buffer
}

func (lw *listingWriter) Write(p []byte) (int, error) {
	return lw.buf.Write(p)
}

func (lw *listingWriter) Close() error {
	body, redirects, err := Rewrite(lw.buf.Bytes(), lw.t.Key(), listingDir(lw.t.Path()), lw.gen)
	fields := logrus.Fields{
		"action": "listing_rewrite",
		"store":  lw.t.Key().String(),
		"path":   lw.t.Path(),
	}
	if err != nil {
		lw.d.logger.WithError(err).WithFields(fields).Warn("listing_rewrite_failed")
		body = lw.buf.Bytes()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		rerr := lw.d.db.Record(ctx, lw.t.Key(), listingDir(lw.t.Path()), redirects)
		cancel()
		if rerr != nil {
			lw.d.logger.WithError(rerr).WithFields(fields).Warn("redirect_record_failed")
		}
		lw.d.logger.WithFields(fields).WithField("redirects", len(redirects)).Debug("listing_rewritten")
	}
	if _, err := lw.next.Write(body); err != nil {
		lw.abortNext()
		return err
	}
	return lw.next.Close()
}

func (lw *listingWriter) Abort() error {
	lw.buf.Reset()
	return lw.abortNext()
}

func (lw *listingWriter) abortNext() error {
	if a, ok := lw.next.(cache.Aborter); ok {
		return a.Abort()
	}
	return nil
}

// Rewrite 改写 HTML 列表中每个 <a href>，返回改写后的内容与 {文件名: 原始链接}。
// 根相对链接（以单个 "/" 开头）不记录。
func Rewrite(body []byte, key model.StoreKey, dir string, gen model.URLGenerator) ([]byte, map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	redirects := map[string]string{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		name, fragment := hrefTarget(href)
		if name == "" {
			return
		}
		local := gen(key, dir+name)
		if fragment != "" {
			local += "#" + fragment
		}
		sel.SetAttr("href", local)
		if !rootRelative(href) {
			redirects[strings.TrimSuffix(name, "/")] = href
		}
	})
	out, err := doc.Html()
	if err != nil {
		return nil, nil, err
	}
	return []byte(out), redirects, nil
}

// hrefTarget 返回链接指向的条目名（目录带末尾 "/"）与片段。
func hrefTarget(href string) (string, string) {
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return "", ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", ""
	}
	p := u.Path
	if p == "" || p == "../" || p == ".." || p == "./" || p == "." {
		return "", ""
	}
	dir := strings.HasSuffix(p, "/")
	name := path.Base(strings.TrimSuffix(p, "/"))
	if name == "." || name == "/" || name == ".." {
		return "", ""
	}
	if dir {
		name += "/"
	}
	return name, u.Fragment
}

func rootRelative(href string) bool {
	return strings.HasPrefix(href, "/") && !strings.HasPrefix(href, "//")
}

func listingDir(p string) string {
	p = pkgtype.Normalize(p)
	if pkgtype.IsListingPath(p) {
		return p
	}
	return pkgtype.ParentDir(p)
}
