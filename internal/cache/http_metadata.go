package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/any-hub/any-depot/internal/model"
)

// HTTPExchange 是一次回源请求的记录，写入正文旁的 .http-metadata.json。
type HTTPExchange struct {
	Method     string              `json:"method"`
	URL        string              `json:"url"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	FetchedAt  time.Time           `json:"fetched_at"`
}

// Found 判断记录是否表示上游存在该内容。
func (e HTTPExchange) Found() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

// NotFound 判断记录是否为可缓存的 404/410。
func (e HTTPExchange) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Header 返回首个同名头部。
func (e HTTPExchange) Header(name string) string {
	return http.Header(e.Headers).Get(name)
}

// WriteHTTPExchange 将回源记录写入 t 的旁路文件。
func WriteHTTPExchange(ctx context.Context, t *Transfer, ex HTTPExchange) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("encode http metadata: %w", err)
	}
	return t.SiblingMeta(HTTPMetadataSuffix).WriteBytes(ctx, data, OpGenerate, model.EventMetadata{SuppressEvents: true})
}

// ReadHTTPExchange 读取 t 的回源记录；不存在时返回 ErrNotFound。
func ReadHTTPExchange(t *Transfer) (*HTTPExchange, error) {
	data, err := t.SiblingMeta(HTTPMetadataSuffix).ReadAll()
	if err != nil {
		return nil, err
	}
	var ex HTTPExchange
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("decode http metadata: %w", err)
	}
	return &ex, nil
}
