package merge

import (
	"bytes"

	"github.com/any-hub/any-depot/internal/content"
)

// MergeListings 按文件名合并多个目录列表；同名条目以最早出现（成员顺序靠前）的为准，
// 链接统一改为相对 group 自身目录。
func MergeListings(p string, sources [][]byte) ([]byte, error) {
	seen := map[string]struct{}{}
	var merged []content.ListingEntry
	for _, src := range sources {
		entries, err := content.ParseListing(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if _, dup := seen[entry.Name]; dup {
				continue
			}
			seen[entry.Name] = struct{}{}
			merged = append(merged, entry.Relative())
		}
	}
	return content.RenderListing(p, merged), nil
}
