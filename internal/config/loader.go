package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/socketkill/nebula/internal/version"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	if len(cfg.Assets) == 0 {
		cfg.Assets = DefaultAssets()
	}
	for i := range cfg.Assets {
		applyAssetDefaults(&cfg.Assets[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absBackground, err := filepath.Abs(cfg.Global.BackgroundPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析背景图目录: %w", err)
	}
	cfg.Global.BackgroundPath = absBackground

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./cache")
	v.SetDefault("BackgroundPath", "./backgrounds")
	v.SetDefault("PublicBaseURL", "http://localhost:8080")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("UserAgent", "nebula/"+version.Version)
	v.SetDefault("NegativeCacheTTL", 0)
	v.SetDefault("StatsEnabled", true)
	v.SetDefault("StatsInterval", "5m")
	v.SetDefault("ESIBaseURL", "https://esi.evetech.net/latest")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.StatsInterval.DurationValue() == 0 {
		g.StatsInterval = Duration(5 * time.Minute)
	}
	g.PublicBaseURL = strings.TrimRight(strings.TrimSpace(g.PublicBaseURL), "/")
	g.ESIBaseURL = strings.TrimRight(strings.TrimSpace(g.ESIBaseURL), "/")
}

func applyAssetDefaults(a *AssetConfig) {
	a.Kind = strings.ToLower(strings.TrimSpace(a.Kind))
	a.Directory = strings.Trim(strings.TrimSpace(a.Directory), "/")
	if a.Directory == "" {
		a.Directory = a.Kind
	}
	if a.Extension == "" {
		a.Extension = ".png"
	}
	if !strings.HasPrefix(a.Extension, ".") {
		a.Extension = "." + a.Extension
	}
	a.Upstream = strings.TrimSpace(a.Upstream)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
