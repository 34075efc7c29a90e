package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/uni-sync/uni-sync-cache/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxMemoryEntries < 0 {
		return newFieldError("Global.MaxMemoryEntries", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}

	if err := cache.ValidateName(c.Cache.Name); err != nil {
		return fmt.Errorf("Cache.Name: %w", err)
	}
	for i, asset := range c.Cache.StaticAssets {
		if err := validateAssetPath(asset); err != nil {
			return fmt.Errorf("%s: %w", assetField(i), err)
		}
	}

	return nil
}

func validateAssetPath(asset string) error {
	if asset == "" {
		return errors.New("资源路径不能为空")
	}
	if !strings.HasPrefix(asset, "/") || strings.HasPrefix(asset, "//") {
		return fmt.Errorf("资源路径必须是以单个 / 开头的站内路径: %s", asset)
	}
	if _, err := url.Parse(asset); err != nil {
		return fmt.Errorf("资源路径无法解析: %w", err)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
