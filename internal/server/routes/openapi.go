package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/socketkill/nebula/internal/openapi"
)

// RegisterOpenAPIRoute 在 /openapi.json 输出启动时生成的 API 描述。
func RegisterOpenAPIRoute(app *fiber.App, doc *openapi.Document) error {
	if app == nil || doc == nil {
		return nil
	}
	body, err := doc.Marshal()
	if err != nil {
		return err
	}
	app.Get("/openapi.json", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
		return c.Send(body)
	})
	return nil
}
