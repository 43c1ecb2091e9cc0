package routes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
	"github.com/any-hub/any-depot/internal/registry"
	"github.com/any-hub/any-depot/internal/server"
)

// AdminDeps 是仓库管理接口的依赖。
type AdminDeps struct {
	Registry *registry.Registry
	Logger   *logrus.Logger
}

// RegisterAdminRoutes 暴露 /api/admin/stores 的增删改查，以及 /api/admin/package-types 诊断接口。
func RegisterAdminRoutes(app *fiber.App, deps AdminDeps) {
	if app == nil || deps.Registry == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	reg := deps.Registry

	app.Get("/api/admin/package-types", func(c fiber.Ctx) error {
		return c.JSON(encodePackageTypes(pkgtype.List()))
	})

	app.Get("/api/admin/stores", func(c fiber.Ctx) error {
		q := registry.Query{PackageType: strings.ToLower(strings.TrimSpace(c.Query("packageType")))}
		if raw := c.Query("type"); raw != "" {
			st, ok := model.ParseStoreType(raw)
			if !ok {
				return server.RenderError(c, deps.Logger, fmt.Errorf("unknown store type %q: %w", raw, server.ErrBadRequest))
			}
			q.Types = []model.StoreType{st}
		}
		stores := reg.Query(q)
		sort.Slice(stores, func(i, j int) bool { return stores[i].Key().Compare(stores[j].Key()) < 0 })
		items := make([]json.RawMessage, 0, len(stores))
		for _, store := range stores {
			encoded, err := model.EncodeStore(store)
			if err != nil {
				return server.RenderError(c, deps.Logger, err)
			}
			items = append(items, encoded)
		}
		return c.JSON(fiber.Map{"items": items})
	})

	const single = "/api/admin/stores/:pkg/:type/:name"

	app.Get(single, func(c fiber.Ctx) error {
		key, err := storeKey(c)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		store, err := reg.Get(key)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		return sendStore(c, deps.Logger, fiber.StatusOK, store)
	})

	app.Put(single, func(c fiber.Ctx) error {
		key, err := storeKey(c)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		body, err := withKey(c.Body(), key)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		store, err := model.DecodeTypedStore(key.Type, body)
		if err != nil {
			return server.RenderError(c, deps.Logger, fmt.Errorf("%w: %w", server.ErrBadRequest, err))
		}
		if store.Key() != key {
			return server.RenderError(c, deps.Logger, fmt.Errorf("body key %s does not match %s: %w", store.Key(), key, server.ErrBadRequest))
		}
		// Revision 为 0 表示无条件覆盖；携带 Revision 时按乐观并发校验。
		status := fiber.StatusCreated
		if current, err := reg.Get(key); err == nil {
			status = fiber.StatusOK
			if store.Base().Revision == 0 {
				store.Base().Revision = current.Base().Revision
			}
		}
		if _, err := reg.Store(c.Context(), store, changeSummary(c, "update via REST"), false, true, model.EventMetadata{}.WithOrigin("rest")); err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		stored, err := reg.Get(key)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		return sendStore(c, deps.Logger, status, stored)
	})

	app.Delete(single, func(c fiber.Ctx) error {
		key, err := storeKey(c)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		deleted, err := reg.Delete(c.Context(), key, changeSummary(c, "delete via REST"), model.EventMetadata{}.WithOrigin("rest"))
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		if !deleted {
			return server.RenderNotFound(c)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// withKey 在请求体缺少 key 字段时补上路由中的 key。
func withKey(body []byte, key model.StoreKey) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode store body: %w: %w", server.ErrBadRequest, err)
	}
	if _, ok := fields["key"]; ok {
		return body, nil
	}
	encoded, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	fields["key"] = encoded
	return json.Marshal(fields)
}

func storeKey(c fiber.Ctx) (model.StoreKey, error) {
	return server.StoreKeyFromParams(c.Params("pkg"), c.Params("type"), c.Params("name"))
}

// changeSummary 从 X-Change-User / X-Change-Description 请求头构造审计信息。
func changeSummary(c fiber.Ctx, fallback string) model.ChangeSummary {
	description := strings.TrimSpace(c.Get("X-Change-Description"))
	if description == "" {
		description = fallback
	}
	return model.NewChangeSummary(strings.TrimSpace(c.Get("X-Change-User")), description)
}

func sendStore(c fiber.Ctx, logger *logrus.Logger, status int, store model.ArtifactStore) error {
	body, err := json.Marshal(store)
	if err != nil {
		return server.RenderError(c, logger, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(status).Send(body)
}

type packageTypePayload struct {
	Key          string `json:"key"`
	Description  string `json:"description"`
	MetadataFile string `json:"metadata_file,omitempty"`
}

func encodePackageTypes(descs []pkgtype.Descriptor) []packageTypePayload {
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].Key < descs[j].Key
	})
	result := make([]packageTypePayload, 0, len(descs))
	for _, desc := range descs {
		result = append(result, packageTypePayload{
			Key:          desc.Key,
			Description:  desc.Description,
			MetadataFile: desc.MetadataFile,
		})
	}
	return result
}
