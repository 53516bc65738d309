package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/metrics"
)

// Route 是一次请求解析出的源站信息。
type Route struct {
	// Origin 是播放器请求的原始资源 URL。
	Origin string
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
}

// ProxyHandler describes the component responsible for serving a decoded
// origin. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Route) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Route) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *Route) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_vcache_route"
	contextKeyRequestID = "_vcache_request_id"
)

// NewApp builds a Fiber application that decodes the origin URL from the
// request path and forwards it to the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(metricsMiddleware())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, _ := getRouteFromContext(c)
		if route == nil {
			return renderOriginInvalid(c, opts.Logger, "", nil)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并从路径中解析源站 URL。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawPath := string(c.Request().URI().PathOriginal())
		origin, err := OriginFromPath(rawPath)
		if err != nil {
			return renderOriginInvalid(c, opts.Logger, rawPath, err)
		}

		c.Locals(contextKeyRoute, &Route{Origin: origin, ListenPort: opts.ListenPort})
		return c.Next()
	}
}

// metricsMiddleware 记录响应状态与响应头提交前的耗时。
func metricsMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		err := c.Next()
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return err
		}
		status := c.Response().StatusCode()
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		}
		metrics.HTTPResponseStatuses.WithLabelValues(strconv.Itoa(status)).Inc()
		metrics.HTTPResponseTime.Observe(time.Since(started).Seconds())
		return err
	}
}

func renderOriginInvalid(c fiber.Ctx, logger *logrus.Logger, rawPath string, err error) error {
	entry := logger.WithFields(logrus.Fields{
		"action": "origin_decode",
		"path":   rawPath,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("origin invalid")

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "origin_invalid",
	})
}

func getRouteFromContext(c fiber.Ctx) (*Route, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*Route); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
