// Package koji 访问 Koji 构建系统（XML-RPC），并把一次构建的 Maven 产物描述为临时 remote 仓库。
package koji

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kolo/xmlrpc"
)

// ErrBuildNotFound 表示 Koji 中不存在该 NVR。
var ErrBuildNotFound = errors.New("koji build not found")

// ChecksumMD5 是 Koji 的 checksum_type 取值，0 代表 MD5。
const ChecksumMD5 = 0

// Build 是 getBuild 的返回值。
type Build struct {
	ID      int    `xmlrpc:"id"`
	NVR     string `xmlrpc:"nvr"`
	Name    string `xmlrpc:"name"`
	Version string `xmlrpc:"version"`
	Release string `xmlrpc:"release"`
	State   int    `xmlrpc:"state"`
}

// Archive 是 listArchives(type=maven) 返回的单个产物。
type Archive struct {
	ID           int    `xmlrpc:"id"`
	BuildID      int    `xmlrpc:"build_id"`
	Filename     string `xmlrpc:"filename"`
	Size         int    `xmlrpc:"size"`
	Checksum     string `xmlrpc:"checksum"`
	ChecksumType int    `xmlrpc:"checksum_type"`
	GroupID      string `xmlrpc:"group_id"`
	ArtifactID   string `xmlrpc:"artifact_id"`
	Version      string `xmlrpc:"version"`
}

// BuildSource 是 consolidation 入口需要的 Koji 查询能力。
type BuildSource interface {
	GetBuild(ctx context.Context, nvr string) (*Build, error)
	ListArchives(ctx context.Context, buildID int) ([]Archive, error)
}

// Client 是基于 kolo/xmlrpc 的 Koji hub 客户端。
type Client struct {
	rpc *xmlrpc.Client
}

// NewClient 连接 hubURL（形如 https://koji.example/kojihub）。
func NewClient(hubURL string, transport http.RoundTripper) (*Client, error) {
	rpc, err := xmlrpc.NewClient(hubURL, transport)
	if err != nil {
		return nil, fmt.Errorf("koji client: %w", err)
	}
	return &Client{rpc: rpc}, nil
}

// Close 释放底层连接。
func (c *Client) Close() error {
	return c.rpc.Close()
}

// GetBuild 按 NVR 查询构建。
func (c *Client) GetBuild(ctx context.Context, nvr string) (*Build, error) {
	var build Build
	if err := c.call(ctx, "getBuild", []interface{}{nvr}, &build); err != nil {
		return nil, fmt.Errorf("getBuild %s: %w", nvr, err)
	}
	if build.ID == 0 {
		return nil, fmt.Errorf("%s: %w", nvr, ErrBuildNotFound)
	}
	return &build, nil
}

// ListArchives 列出构建的 Maven 产物。
func (c *Client) ListArchives(ctx context.Context, buildID int) ([]Archive, error) {
	var archives []Archive
	kwargs := map[string]interface{}{
		"buildID":    buildID,
		"type":       "maven",
		"__starstar": true,
	}
	if err := c.call(ctx, "listArchives", []interface{}{kwargs}, &archives); err != nil {
		return nil, fmt.Errorf("listArchives %d: %w", buildID, err)
	}
	return archives, nil
}

func (c *Client) call(ctx context.Context, method string, args []interface{}, reply interface{}) error {
	call := c.rpc.Go(method, args, reply, nil)
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}
