package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/consolidation"
	"github.com/any-hub/any-depot/internal/koji"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/server"
)

// GroupGetter 读取 group 定义。
type GroupGetter interface {
	GetGroup(key model.StoreKey) (*model.Group, error)
}

// KojiDeps 是构建导入接口的依赖。
type KojiDeps struct {
	Builds       koji.BuildSource
	Groups       GroupGetter
	Consolidator *consolidation.Consolidator
	DownloadBase string
	Logger       *logrus.Logger
}

type consolidateRequest struct {
	NVR         string `json:"nvr"`
	TargetGroup string `json:"targetGroup"`
	TargetRepo  string `json:"targetRepo"`
	User        string `json:"user"`
}

// RegisterKojiRoutes 暴露 POST /api/koji/consolidate 与 GET /api/koji/consolidate/:nvr。
func RegisterKojiRoutes(app *fiber.App, deps KojiDeps) {
	if app == nil || deps.Builds == nil || deps.Consolidator == nil || deps.Groups == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	app.Post("/api/koji/consolidate", func(c fiber.Ctx) error {
		var req consolidateRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return server.RenderError(c, deps.Logger, fmt.Errorf("%w: %w", server.ErrBadRequest, err))
		}
		req.NVR = strings.TrimSpace(req.NVR)
		if req.NVR == "" || req.TargetRepo == "" {
			return server.RenderError(c, deps.Logger, fmt.Errorf("nvr and targetRepo are required: %w", server.ErrBadRequest))
		}
		groupKey, err := model.ParseStoreKey(req.TargetGroup)
		if err != nil || groupKey.Type != model.StoreTypeGroup {
			return server.RenderError(c, deps.Logger, fmt.Errorf("targetGroup %q must be a group key: %w", req.TargetGroup, server.ErrBadRequest))
		}
		group, err := deps.Groups.GetGroup(groupKey)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}

		ctx := c.Context()
		build, err := deps.Builds.GetBuild(ctx, req.NVR)
		if errors.Is(err, koji.ErrBuildNotFound) {
			return server.RenderNotFound(c)
		}
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		archives, err := deps.Builds.ListArchives(ctx, build.ID)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		br := koji.NewBuildRemote(*build, archives, deps.DownloadBase)

		target, err := deps.Consolidator.TargetFor(ctx, group, req.TargetRepo, req.User, true)
		if err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		if err := deps.Consolidator.Prepare(ctx, br, groupKey, req.User); err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		if err := deps.Consolidator.Start(br, target, groupKey, req.User); err != nil {
			return server.RenderError(c, deps.Logger, err)
		}
		deps.Logger.WithFields(logrus.Fields{
			"action":   "koji_consolidate",
			"nvr":      build.NVR,
			"archives": len(archives),
			"target":   target.Key().String(),
			"group":    groupKey.String(),
			"user":     req.User,
		}).Info("koji_consolidation_accepted")

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"nvr":    build.NVR,
			"remote": br.Remote.Key().String(),
			"target": target.Key().String(),
			"group":  groupKey.String(),
			"status": "/api/koji/consolidate/" + build.NVR,
		})
	})

	app.Get("/api/koji/consolidate/:nvr", func(c fiber.Ctx) error {
		report, ok := deps.Consolidator.Status(c.Params("nvr"))
		if !ok {
			return server.RenderNotFound(c)
		}
		return c.JSON(report)
	})
}
