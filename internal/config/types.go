package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath"`
	BackgroundPath   string   `mapstructure:"BackgroundPath"`
	PublicBaseURL    string   `mapstructure:"PublicBaseURL"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	UserAgent        string   `mapstructure:"UserAgent"`
	NegativeCacheTTL Duration `mapstructure:"NegativeCacheTTL"`
	StatsEnabled     bool     `mapstructure:"StatsEnabled"`
	StatsInterval    Duration `mapstructure:"StatsInterval"`
	ESIBaseURL       string   `mapstructure:"ESIBaseURL"`
}

// AssetConfig 声明一种资源类型：路由 /render/<Kind>/<id> 对应磁盘
// <StoragePath>/<Directory>/<id><Extension>，回源地址由 Upstream 中的 {id} 替换得到。
type AssetConfig struct {
	Kind      string `mapstructure:"Kind"`
	Directory string `mapstructure:"Directory"`
	Upstream  string `mapstructure:"Upstream"`
	Extension string `mapstructure:"Extension"`
	Summary   string `mapstructure:"Summary"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Assets []AssetConfig `mapstructure:"Asset"`
}

// IDPlaceholder 是 Upstream 模板中代表资源 ID 的占位符。
const IDPlaceholder = "{id}"

// DefaultAssets 返回未配置 [[Asset]] 时启用的舰船渲染图与军团徽标。
func DefaultAssets() []AssetConfig {
	return []AssetConfig{
		{
			Kind:      "ship",
			Directory: "renders",
			Upstream:  "https://images.evetech.net/types/{id}/render?size=64",
			Extension: ".png",
			Summary:   "Get Ship Render",
		},
		{
			Kind:      "corp",
			Directory: "corps",
			Upstream:  "https://images.evetech.net/corporations/{id}/logo?size=64",
			Extension: ".png",
			Summary:   "Get Corp Logo",
		},
	}
}

// AssetKinds 返回配置的资源类型摘要，例如 ship:renders，供启动日志使用。
func AssetKinds(assets []AssetConfig) []string {
	if len(assets) == 0 {
		return nil
	}
	result := make([]string, len(assets))
	for i, asset := range assets {
		result[i] = fmt.Sprintf("%s:%s", asset.Kind, asset.Directory)
	}
	return result
}
