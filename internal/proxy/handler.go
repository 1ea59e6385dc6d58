package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/socketkill/nebula/internal/asset"
	"github.com/socketkill/nebula/internal/cache"
	"github.com/socketkill/nebula/internal/logging"
	"github.com/socketkill/nebula/internal/server"
)

// HeaderCacheSource 告知客户端本次响应来自磁盘、回源还是合并等待。
const HeaderCacheSource = "X-Nebula-Cache"

// Fetcher 抽象 AssetCache.GetOrFetch，便于测试替换。
type Fetcher interface {
	GetOrFetch(ctx context.Context, req cache.AssetRequest) (cache.Source, error)
}

// Handler 负责 "磁盘命中 → 单飞回源落盘 → 读取文件" 的渲染请求流程，
// 实现 server.AssetHandler。
type Handler struct {
	assets Fetcher
	logger *logrus.Logger
}

// NewHandler constructs a render handler on top of the shared asset cache.
func NewHandler(assets Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{assets: assets, logger: logger}
}

var _ server.AssetHandler = (*Handler)(nil)

// Handle 确保资源已在磁盘上，然后以文件内容响应。任何失败统一返回
// 404 asset_unavailable，且不允许缓存。
func (h *Handler) Handle(c fiber.Ctx, req asset.Request) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	source, err := h.assets.GetOrFetch(ctx, req.Asset)
	if err != nil {
		h.logResult(req, source, requestID, started, err)
		return server.WriteError(c, fiber.StatusNotFound, "asset_unavailable")
	}

	file, err := os.Open(req.Asset.LocalPath)
	if err != nil {
		// 文件在 GetOrFetch 返回后被外部删除，下次请求会重新回源。
		h.logResult(req, source, requestID, started, fmt.Errorf("open cached asset: %w", err))
		return server.WriteError(c, fiber.StatusNotFound, "asset_unavailable")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		h.logResult(req, source, requestID, started, fmt.Errorf("stat cached asset: %w", err))
		return server.WriteError(c, fiber.StatusNotFound, "asset_unavailable")
	}

	c.Set(fiber.HeaderContentType, contentTypeFor(req.Kind.Extension))
	c.Set(HeaderCacheSource, string(source))
	c.Response().Header.SetContentLength(int(info.Size()))
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		h.logResult(req, source, requestID, started, nil)
		return nil
	}

	if _, err := io.Copy(c.Response().BodyWriter(), file); err != nil {
		h.logResult(req, source, requestID, started, err)
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cached asset failed: %v", err))
	}
	h.logResult(req, source, requestID, started, nil)
	return nil
}

func (h *Handler) logResult(
	req asset.Request,
	source cache.Source,
	requestID string,
	started time.Time,
	err error,
) {
	fields := logging.AssetFields(req.Kind.Name, req.ID, req.Asset.Key, string(source))
	fields["action"] = "render"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		fields["error_kind"] = string(cache.KindOf(err))
		if errors.Is(err, cache.ErrInvalidRequest) {
			h.logger.WithFields(fields).Error("asset_rejected")
			return
		}
		h.logger.WithFields(fields).Warn("asset_failed")
		return
	}
	h.logger.WithFields(fields).Info("asset_served")
}

func contentTypeFor(ext string) string {
	if ext == "" || ext == ".png" {
		return "image/png"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
