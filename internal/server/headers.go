package server

import (
	"strings"

	"github.com/gofiber/fiber/v3"
)

const (
	// ImmutableCacheControl 用于渲染图与背景图：内容一经落盘即不再变化。
	ImmutableCacheControl = "public, max-age=31536000, immutable"
	// StatsCacheControl 对应统计快照的 5 分钟刷新窗口。
	StatsCacheControl = "public, max-age=300"
)

type headerRule struct {
	prefixes []string
	headers  map[string]string
}

var headerRules = []headerRule{
	{
		prefixes: []string{"/render/", "/images/"},
		headers: map[string]string{
			fiber.HeaderCacheControl:             ImmutableCacheControl,
			fiber.HeaderXContentTypeOptions:      "nosniff",
			fiber.HeaderAccessControlAllowOrigin: "*",
		},
	},
	{
		prefixes: []string{"/stats/"},
		headers: map[string]string{
			fiber.HeaderCacheControl:             StatsCacheControl,
			fiber.HeaderAccessControlAllowOrigin: "*",
		},
	},
}

// cachePolicyMiddleware 按路径前缀预设缓存头；失败响应由 WriteError 覆盖为 no-store。
func cachePolicyMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		path := c.Path()
		for _, rule := range headerRules {
			if hasAnyPrefix(path, rule.prefixes) {
				for key, value := range rule.headers {
					c.Set(key, value)
				}
				break
			}
		}
		return c.Next()
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
