package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/vcache/internal/server"
	"github.com/any-hub/vcache/internal/version"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 前缀下的诊断接口，供运维查询引擎与缓存状态。
func RegisterDiagnosticsRoutes(app *fiber.App, rt *server.Runtime) {
	if app == nil || rt == nil {
		return
	}

	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		})
	})

	app.Get("/-/engines", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"engines": rt.Registry.Snapshot(),
		})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		origin := strings.TrimSpace(c.Query("url"))
		if origin == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		return c.JSON(cachePayload{
			URL:      origin,
			Cached:   rt.Registry.IsCached(origin),
			ProxyURL: rt.ProxyURL(origin),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type cachePayload struct {
	URL      string `json:"url"`
	Cached   bool   `json:"cached"`
	ProxyURL string `json:"proxy_url"`
}
