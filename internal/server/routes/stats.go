package routes

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v3"

	"github.com/socketkill/nebula/internal/server"
	"github.com/socketkill/nebula/internal/stats"
)

// RegisterStatsRoutes 挂载 /stats/:name，只读取白名单内的快照文件。
func RegisterStatsRoutes(app *fiber.App, root string) {
	if app == nil {
		return
	}

	app.Get("/stats/:name", func(c fiber.Ctx) error {
		file, err := stats.FileName(c.Params("name"))
		if err != nil {
			return server.WriteError(c, fiber.StatusNotFound, "snapshot_unknown")
		}
		data, err := os.ReadFile(filepath.Join(root, file))
		if errors.Is(err, fs.ErrNotExist) {
			return server.WriteError(c, fiber.StatusNotFound, "snapshot_unavailable")
		}
		if err != nil {
			return server.WriteError(c, fiber.StatusInternalServerError, "snapshot_unreadable")
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
		return c.Send(data)
	})
}
