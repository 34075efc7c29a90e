package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uni-sync/uni-sync-cache/internal/lifecycle"
)

// Lifecycle 是诊断接口依赖的生命周期能力，*lifecycle.Manager 满足该接口。
type Lifecycle interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Snapshot(ctx context.Context) (lifecycle.Snapshot, error)
}

// RegisterDiagnosticsRoutes 暴露 /-/caches、/-/lifecycle/:event 与 /-/metrics，
// 供 SRE 查询缓存代际并手动重放 install/activate。gatherer 为 nil 时不注册指标接口。
func RegisterDiagnosticsRoutes(app *fiber.App, manager Lifecycle, gatherer prometheus.Gatherer) {
	if app == nil || manager == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		snap, err := manager.Snapshot(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "snapshot_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(snap)
	})

	app.Post("/-/lifecycle/:event", func(c fiber.Ctx) error {
		event := lifecycle.EventType(strings.ToLower(strings.TrimSpace(c.Params("event"))))
		var run func(context.Context) error
		switch event {
		case lifecycle.EventInstall:
			run = manager.Install
		case lifecycle.EventActivate:
			run = manager.Activate
		default:
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		}
		if err := run(c.Context()); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"event":  event,
				"result": "error",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{"event": event, "result": "ok"})
	})

	if gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
