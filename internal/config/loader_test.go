package config

import (
	"errors"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失 Upstream 的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Upstream = "http://origin.local"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsNumericDuration(t *testing.T) {
	cfg := `
Upstream = "http://origin.local"
UpstreamTimeout = 5
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("纯秒整数应当被接受: %v", err)
	}
	if got := loaded.Global.UpstreamTimeout.DurationValue().Seconds(); got != 5 {
		t.Fatalf("UpstreamTimeout 应为 5s，得到 %vs", got)
	}
}

func TestLoadReportsFieldError(t *testing.T) {
	cfg := `
Upstream = "http://origin.local"
MaxRetries = -1
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("期望 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Global.MaxRetries" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func TestLoadCustomCacheGeneration(t *testing.T) {
	cfg := `
Upstream = "http://origin.local"

[Cache]
Name = "uni-sync-cache-v2"
StaticAssets = ["/", "/offline.html"]
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Cache.Name != "uni-sync-cache-v2" {
		t.Fatalf("缓存名称应被覆盖，得到 %s", loaded.Cache.Name)
	}
	if len(loaded.Cache.StaticAssets) != 2 || loaded.Cache.StaticAssets[1] != "/offline.html" {
		t.Fatalf("资源列表应被覆盖，得到 %v", loaded.Cache.StaticAssets)
	}
}
