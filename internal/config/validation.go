package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var kindPattern = regexp.MustCompile(`^[a-z]+$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.BackgroundPath == "" {
		return newFieldError("Global.BackgroundPath", "不能为空")
	}
	if err := validateHTTPURL(g.PublicBaseURL); err != nil {
		return fmt.Errorf("Global.PublicBaseURL: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.NegativeCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.NegativeCacheTTL", "不能为负数")
	}
	if g.StatsEnabled {
		if g.StatsInterval.DurationValue() <= 0 {
			return newFieldError("Global.StatsInterval", "必须大于 0")
		}
		if err := validateHTTPURL(g.ESIBaseURL); err != nil {
			return fmt.Errorf("Global.ESIBaseURL: %w", err)
		}
	}

	if len(c.Assets) == 0 {
		return errors.New("至少需要配置一种 Asset")
	}

	seenKinds := map[string]struct{}{}
	seenDirs := map[string]string{}
	for i := range c.Assets {
		asset := &c.Assets[i]
		if asset.Kind == "" {
			return newFieldError("Asset[].Kind", "不能为空")
		}
		if !kindPattern.MatchString(asset.Kind) {
			return newFieldError(assetField(asset.Kind, "Kind"), "仅允许小写字母")
		}
		if _, exists := seenKinds[asset.Kind]; exists {
			return newFieldError(assetField(asset.Kind, "Kind"), "重复")
		}
		seenKinds[asset.Kind] = struct{}{}

		if err := validateDirectory(asset.Directory); err != nil {
			return fmt.Errorf("%s: %w", assetField(asset.Kind, "Directory"), err)
		}
		if other, exists := seenDirs[asset.Directory]; exists {
			return newFieldError(assetField(asset.Kind, "Directory"), "与 "+other+" 共用目录")
		}
		seenDirs[asset.Directory] = asset.Kind

		if !strings.Contains(asset.Upstream, IDPlaceholder) {
			return newFieldError(assetField(asset.Kind, "Upstream"), "必须包含 "+IDPlaceholder)
		}
		if err := validateHTTPURL(strings.ReplaceAll(asset.Upstream, IDPlaceholder, "0")); err != nil {
			return fmt.Errorf("%s: %w", assetField(asset.Kind, "Upstream"), err)
		}
		if strings.ContainsAny(asset.Extension, `/\`) {
			return newFieldError(assetField(asset.Kind, "Extension"), "不允许包含路径分隔符")
		}
	}

	return nil
}

func validateDirectory(dir string) error {
	if dir == "" {
		return errors.New("Directory 不能为空")
	}
	if strings.HasPrefix(dir, "/") || strings.Contains(dir, `\`) {
		return errors.New("Directory 必须是相对路径")
	}
	if path.Clean(dir) != dir {
		return errors.New("Directory 不允许包含 . 或 .. 片段")
	}
	for _, segment := range strings.Split(dir, "/") {
		if segment == ".." || segment == "." {
			return errors.New("Directory 不允许包含 . 或 .. 片段")
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
