package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/socketkill/nebula/internal/asset"
	"github.com/socketkill/nebula/internal/logging"
)

// AssetHandler describes the component that serves a resolved render request.
// It allows injecting fake handlers during tests.
type AssetHandler interface {
	Handle(fiber.Ctx, asset.Request) error
}

// AssetHandlerFunc adapts a function to the AssetHandler interface.
type AssetHandlerFunc func(fiber.Ctx, asset.Request) error

// Handle makes AssetHandlerFunc satisfy AssetHandler.
func (f AssetHandlerFunc) Handle(c fiber.Ctx, req asset.Request) error {
	return f(c, req)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Catalog    *asset.Catalog
	Assets     AssetHandler
	ListenPort int
}

const contextKeyRequestID = "_nebula_request_id"

// NewApp builds a Fiber application with request id, CORS and cache header
// middlewares, and mounts /render/:kind/:id on the asset handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("asset catalog is required")
	}
	if opts.Assets == nil {
		return nil, errors.New("asset handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	app.Use(cors.New())
	app.Use(cachePolicyMiddleware())

	app.Get("/render/:kind/:id", func(c fiber.Ctx) error {
		req, err := opts.Catalog.Resolve(c.Params("kind"), c.Params("id"))
		if err != nil {
			return renderUnresolved(c, opts.Logger, err)
		}
		return opts.Assets.Handle(c, req)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func renderUnresolved(c fiber.Ctx, logger *logrus.Logger, err error) error {
	fields := logging.RequestFields(c.Method(), c.Path(), RequestID(c))
	fields["action"] = "render_resolve"
	fields["error"] = err.Error()
	logger.WithFields(fields).Warn("render_unresolved")

	if errors.Is(err, asset.ErrUnknownKind) {
		return WriteError(c, fiber.StatusNotFound, "kind_unknown")
	}
	return WriteError(c, fiber.StatusBadRequest, "invalid_id")
}

// WriteError 输出 JSON 错误体，并禁止客户端与中间代理缓存该响应。
func WriteError(c fiber.Ctx, status int, code string) error {
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
