package content

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ListingEntry 是目录列表中的一个条目。
type ListingEntry struct {
	Name string
	Href string
}

// ParseListing 从 HTML 目录列表中提取 <a href> 条目，忽略父目录与排序链接。
func ParseListing(r io.Reader) ([]ListingEntry, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	var entries []ListingEntry
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if skipHref(href) {
			return
		}
		name := strings.TrimSpace(sel.Text())
		if name == "" {
			name = hrefName(href)
		}
		if name == "" || name == "../" || name == ".." {
			return
		}
		entries = append(entries, ListingEntry{Name: name, Href: href})
	})
	return entries, nil
}

// RenderListing 生成按名称排序的简单 HTML 目录列表。
func RenderListing(dir string, entries []ListingEntry) []byte {
	sorted := append([]ListingEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	title := html.EscapeString("Index of " + dir)
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html><head><title>%s</title></head>\n<body>\n<h1>%s</h1>\n<pre>\n", title, title)
	if dir != "/" && dir != "" {
		buf.WriteString("<a href=\"../\">../</a>\n")
	}
	for _, e := range sorted {
		fmt.Fprintf(&buf, "<a href=\"%s\">%s</a>\n", html.EscapeString(e.Href), html.EscapeString(e.Name))
	}
	buf.WriteString("</pre>\n</body></html>\n")
	return buf.Bytes()
}

// ListingFromNames 把存储目录中的子项名称转换为相对链接条目。
func ListingFromNames(names []string) []ListingEntry {
	entries := make([]ListingEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, ListingEntry{Name: name, Href: name})
	}
	return entries
}

// Relative 返回以当前目录为基准的条目：链接只保留最后一段（目录保留结尾的 "/"），
// 使合并后的列表不再指向成员仓库或上游地址。
func (e ListingEntry) Relative() ListingEntry {
	name := hrefName(e.Href)
	if name == "" {
		name = e.Name
	}
	return ListingEntry{Name: e.Name, Href: name}
}

func skipHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	return strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || href == "../" || href == ".."
}

func hrefName(href string) string {
	clean := href
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	dir := strings.HasSuffix(clean, "/")
	name := path.Base(strings.TrimSuffix(clean, "/"))
	if name == "." || name == "/" {
		return ""
	}
	if dir {
		name += "/"
	}
	return name
}
