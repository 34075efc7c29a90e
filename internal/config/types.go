package config

import (
	"fmt"
	"net/url"
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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// DefaultCacheName 是当前部署的缓存代际名称，升级时通过修改版本后缀淘汰旧缓存。
const DefaultCacheName = "uni-sync-cache-v1"

// DefaultStaticAssets 返回安装阶段预缓存的默认资源列表。
// 图标路径重复出现一次，AddAll 会按请求标识去重。
func DefaultStaticAssets() []string {
	return []string{
		"/",
		"/index.html",
		"/static/css/styles.css",
		"/static/js/main.js",
		"/manifest.json",
		"/static/icons/icon.png",
		"/static/icons/icon.png",
	}
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
	Upstream         string   `mapstructure:"Upstream"`
	MaxMemoryEntries int      `mapstructure:"MaxMemoryEntries"`
	MaxRetries       int      `mapstructure:"MaxRetries"`
	InitialBackoff   Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
}

// CacheConfig 决定缓存代际名称与安装时需要预取的静态资源。
type CacheConfig struct {
	Name         string   `mapstructure:"Name"`
	StaticAssets []string `mapstructure:"StaticAssets"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// UpstreamURL 返回解析后的上游地址（假定 Validate 已经通过）。
func (c *Config) UpstreamURL() (*url.URL, error) {
	if c == nil {
		return nil, fmt.Errorf("配置为空")
	}
	parsed, err := url.Parse(c.Global.Upstream)
	if err != nil {
		return nil, fmt.Errorf("解析上游地址失败: %w", err)
	}
	return parsed, nil
}

// Whitelist 返回激活阶段需要保留的缓存名称。
func (c CacheConfig) Whitelist() []string {
	return []string{c.Name}
}
