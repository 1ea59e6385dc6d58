package routes

import (
	"io"
	"math/rand"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/socketkill/nebula/internal/server"
)

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// BackgroundOptions 描述背景图目录与 /random 返回链接的前缀。
type BackgroundOptions struct {
	Dir           string
	PublicBaseURL string
	Logger        *logrus.Logger
	// Pick 从候选列表中选出一项，测试可替换为确定性实现。
	Pick func(n int) int
}

// RegisterBackgroundRoutes 挂载 /images/:name 静态背景图与 /random 随机背景接口。
// 背景目录只读，不参与缓存落盘。
func RegisterBackgroundRoutes(app *fiber.App, opts BackgroundOptions) {
	if app == nil {
		return
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Pick == nil {
		opts.Pick = rand.Intn
	}
	base := strings.TrimRight(opts.PublicBaseURL, "/")

	app.Get("/images/:name", func(c fiber.Ctx) error {
		name := c.Params("name")
		contentType, ok := backgroundType(name)
		if !ok {
			return server.WriteError(c, fiber.StatusNotFound, "image_not_found")
		}
		file, err := os.Open(filepath.Join(opts.Dir, name))
		if err != nil {
			return server.WriteError(c, fiber.StatusNotFound, "image_not_found")
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return server.WriteError(c, fiber.StatusNotFound, "image_not_found")
		}

		c.Set(fiber.HeaderContentType, contentType)
		c.Response().Header.SetContentLength(int(info.Size()))
		if c.Method() == http.MethodHead {
			return nil
		}
		_, err = io.Copy(c.Response().BodyWriter(), file)
		return err
	})

	app.Get("/random", func(c fiber.Ctx) error {
		images, err := listBackgrounds(opts.Dir)
		if err != nil || len(images) == 0 {
			fields := logrus.Fields{"action": "random_background", "dir": opts.Dir}
			if err != nil {
				fields["error"] = err.Error()
			}
			opts.Logger.WithFields(fields).Warn("background_empty")
			c.Set(fiber.HeaderCacheControl, "no-store")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "No images found"})
		}
		name := images[opts.Pick(len(images))]
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.JSON(fiber.Map{
			"url":  base + "/images/" + name,
			"name": name,
		})
	})
}

// backgroundType 校验文件名不含路径成分且扩展名受支持。
func backgroundType(name string) (string, bool) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := imageExtensions[ext]; ok {
		return ct, true
	}
	if ct := mime.TypeByExtension(ext); strings.HasPrefix(ct, "image/") {
		return ct, true
	}
	return "", false
}

func listBackgrounds(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var images []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))]; ok {
			images = append(images, entry.Name())
		}
	}
	sort.Strings(images)
	return images, nil
}
