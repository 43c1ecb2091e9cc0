package routes

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/merge"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
	"github.com/any-hub/any-depot/internal/pkgtype/npm"
	"github.com/any-hub/any-depot/internal/server"
)

// StoreGetter 查找仓库定义。
type StoreGetter interface {
	Get(key model.StoreKey) (model.ArtifactStore, error)
}

// ContentDeps 是内容接口的依赖。
type ContentDeps struct {
	Stores    StoreGetter
	Resolver  *content.Resolver
	Publisher *merge.Publisher
	BaseURL   string
	Logger    *logrus.Logger
}

type contentHandler struct {
	ContentDeps
	urls func(model.StoreKey, string) string
}

// RegisterContentRoutes 暴露 GET/HEAD/PUT/DELETE /api/content/:pkg/:type/:name/*。
func RegisterContentRoutes(app *fiber.App, deps ContentDeps) {
	if app == nil || deps.Resolver == nil || deps.Stores == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	h := &contentHandler{ContentDeps: deps, urls: server.URLGenerator(deps.BaseURL)}

	route := server.ContentPrefix + "/:pkg/:type/:name/*"
	// HEAD 先于 GET 注册，避免落到 GET 的隐式 HEAD 路由上。
	app.Head(route, h.head)
	app.Get(route, h.get)
	app.Put(route, h.put)
	app.Delete(route, h.delete)
}

func (h *contentHandler) target(c fiber.Ctx) (model.ArtifactStore, string, error) {
	key, err := server.StoreKeyFromParams(c.Params("pkg"), c.Params("type"), c.Params("name"))
	if err != nil {
		return nil, "", err
	}
	store, err := h.Stores.Get(key)
	if err != nil {
		return nil, "", err
	}
	return store, pkgtype.Normalize(c.Params("*")), nil
}

func (h *contentHandler) meta(c fiber.Ctx) model.EventMetadata {
	meta := model.EventMetadata{URLGenerator: h.urls}.WithOrigin("rest")
	if force, _ := strconv.ParseBool(c.Query("refresh")); force {
		meta.ForceRefresh = true
	}
	return meta
}

func (h *contentHandler) get(c fiber.Ctx) error {
	store, p, err := h.target(c)
	if err != nil {
		return server.RenderError(c, h.Logger, err)
	}
	t, err := h.Resolver.Get(c.Context(), store, p, h.meta(c))
	if err != nil {
		return server.RenderError(c, h.Logger, err)
	}
	if t == nil {
		return server.RenderNotFound(c)
	}
	return h.send(c, t, p)
}

func (h *contentHandler) head(c fiber.Ctx) error {
	store, p, err := h.target(c)
	if err != nil {
		return server.RenderError(c, h.Logger, err)
	}
	exists, err := h.Resolver.Exists(c.Context(), store, p)
	if err != nil {
		return server.RenderError(c, h.Logger, err)
	}
	if !exists {
		return c.SendStatus(fiber.StatusNotFound)
	}
	if entry, err := h.Resolver.Transfer(store, p).Stat(); err == nil && !pkgtype.IsListingPath(p) {
		c.Response().Header.SetContentLength(int(entry.SizeBytes))
	}
	c.Set(fiber.HeaderContentType, contentType(p))
	// 不能用 SendStatus：空 body 时它会写入状态文本并覆盖 Content-Length。
	c.Status(fiber.StatusOK)
	return nil
}

func (h *contentHandler) send(c fiber.Ctx, t *cache.Transfer, p string) error {
	reader, err := t.OpenReader()
	if err != nil {
		return server.RenderError(c, h.Logger, fmt.Errorf("%w: %w", content.ErrIOFailure, err))
	}
	defer reader.Close()

	if entry, err := t.Stat(); err == nil {
		c.Response().Header.SetContentLength(int(entry.SizeBytes))
		c.Set(fiber.HeaderLastModified, entry.ModTime.UTC().Format(http.TimeFormat))
	}
	c.Set(fiber.HeaderContentType, contentType(p))
	c.Status(fiber.StatusOK)
	if _, err := io.Copy(c.Response().BodyWriter(), reader); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *contentHandler) put(c fiber.Ctx) error {
	store, p, err := h.target(c)
	if err != nil {
		return server.RenderError(c, h.Logger, err)
	}
	if pkgtype.IsListingPath(p) {
		return server.RenderError(c, h.Logger, fmt.Errorf("cannot store a directory: %w", server.ErrBadRequest))
	}
	if group, ok := store.(*model.Group); ok {
		member, err := h.Resolver.WritableMember(group, p)
		if err != nil {
			return server.RenderError(c, h.Logger, err)
		}
		store = member
	}

	meta := h.meta(c)
	body := c.Body()
	var stored *cache.Transfer
	if store.Key().PackageType == model.PackageTypeNPM && npm.IsPackageMetadata(p) && h.Publisher != nil {
		stored, err = h.Publisher.Publish(c.Context(), store, p, body, meta)
	} else {
		stored, err = h.Resolver.Store(c.Context(), store, p, bytes.NewReader(body), cache.OpUpload, meta)
	}
	if err != nil {
		return server.RenderError(c, h.Logger, err)
	}
	c.Set(fiber.HeaderLocation, server.ContentURL(h.BaseURL, stored.Key(), stored.Path()))
	return c.SendStatus(fiber.StatusCreated)
}

func (h *contentHandler) delete(c fiber.Ctx) error {
	store, p, err := h.target(c)
	if err != nil {
		return server.RenderError(c, h.Logger, err)
	}
	deleted, err := h.Resolver.Delete(c.Context(), store, p, h.meta(c))
	if err != nil {
		return server.RenderError(c, h.Logger, err)
	}
	if !deleted {
		return server.RenderNotFound(c)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func contentType(p string) string {
	if pkgtype.IsListingPath(p) {
		return fiber.MIMETextHTMLCharsetUTF8
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	if npm.IsPackageMetadata(p) {
		return fiber.MIMEApplicationJSON
	}
	return fiber.MIMEOctetStream
}
