package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/socketkill/nebula/internal/asset"
)

// PendingCounter 返回当前进行中的回源数量，由 AssetCache 实现。
type PendingCounter interface {
	Pending() int
}

// RegisterAssetRoutes 暴露 /-/assets 诊断接口，供运维查看已配置的资源类型与在途回源数。
func RegisterAssetRoutes(app *fiber.App, catalog *asset.Catalog, pending PendingCounter) {
	if app == nil || catalog == nil {
		return
	}

	app.Get("/-/assets", func(c fiber.Ctx) error {
		inflight := 0
		if pending != nil {
			inflight = pending.Pending()
		}
		return c.JSON(fiber.Map{
			"kinds":           encodeKinds(catalog.List()),
			"pending_fetches": inflight,
		})
	})
}

type kindPayload struct {
	Kind      string `json:"kind"`
	Directory string `json:"directory"`
	Upstream  string `json:"upstream"`
	Extension string `json:"extension"`
	Summary   string `json:"summary,omitempty"`
}

func encodeKinds(kinds []asset.Kind) []kindPayload {
	if len(kinds) == 0 {
		return nil
	}
	result := make([]kindPayload, 0, len(kinds))
	for _, kind := range kinds {
		result = append(result, kindPayload{
			Kind:      kind.Name,
			Directory: kind.Directory,
			Upstream:  kind.Upstream,
			Extension: kind.Extension,
			Summary:   kind.Summary,
		})
	}
	return result
}
