package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/locks"
	"github.com/any-hub/any-depot/internal/registry"
)

// ErrBadRequest 标记请求参数错误，RenderError 将其映射为 400。
var ErrBadRequest = errors.New("bad request")

// RenderNotFound 输出 404 {"error":"not_found"}。
func RenderNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
}

// RenderError 将领域错误映射为 HTTP 状态与 JSON 错误体。
func RenderError(c fiber.Ctx, logger *logrus.Logger, err error) error {
	status, code := classify(err)
	if status == fiber.StatusNotFound {
		return RenderNotFound(c)
	}
	if status >= fiber.StatusInternalServerError && logger != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action":     "http_error",
			"method":     c.Method(),
			"path":       c.Path(),
			"code":       code,
			"request_id": RequestID(c),
		}).Error("request_failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "reason": err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, cache.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, ErrBadRequest):
		return fiber.StatusBadRequest, "bad_request"
	case errors.Is(err, content.ErrWriteConflict):
		return fiber.StatusConflict, "write_conflict"
	case errors.Is(err, registry.ErrInconsistent):
		return fiber.StatusConflict, "registry_inconsistent"
	case errors.Is(err, locks.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable, "timeout"
	case errors.Is(err, content.ErrIOFailure):
		return fiber.StatusBadGateway, "io_failure"
	}
	return fiber.StatusInternalServerError, "internal_error"
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			if fe.Code == fiber.StatusNotFound {
				return RenderNotFound(c)
			}
			return c.Status(fe.Code).JSON(fiber.Map{"error": "http_error", "reason": fe.Message})
		}
		return RenderError(c, logger, err)
	}
}
