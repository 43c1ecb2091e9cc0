package routes

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/promote"
	"github.com/any-hub/any-depot/internal/server"
)

// RegisterPromoteRoutes 暴露 POST /api/promote/validate。
func RegisterPromoteRoutes(app *fiber.App, validator *promote.Validator, logger *logrus.Logger) {
	if app == nil || validator == nil {
		return
	}
	app.Post("/api/promote/validate", func(c fiber.Ctx) error {
		var req promote.Request
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return server.RenderError(c, logger, fmt.Errorf("%w: %w", server.ErrBadRequest, err))
		}
		if req.Source.IsZero() || req.Target.IsZero() {
			return server.RenderError(c, logger, fmt.Errorf("source and target are required: %w", server.ErrBadRequest))
		}
		result, err := validator.Validate(c.Context(), req)
		if err != nil {
			return server.RenderError(c, logger, err)
		}
		return c.JSON(result)
	})
}
