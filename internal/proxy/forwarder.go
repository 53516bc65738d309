package proxy

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/server"
)

// Forwarder 在调用下游 handler 前校验请求方法，并把 handler panic 转换为 500 响应，
// 避免单个请求拖垮整个进程。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 为空时所有请求返回 500。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

var allowedMethods = []string{fiber.MethodGet, fiber.MethodHead}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.Route) error {
	requestID := server.RequestID(c)
	if !isAllowedMethod(c.Method()) {
		f.logError(route, "method_not_allowed", nil, requestID)
		setRequestIDHeader(c, requestID)
		c.Set(fiber.HeaderAllow, strings.Join(allowedMethods, ", "))
		return c.Status(fiber.StatusMethodNotAllowed).
			JSON(fiber.Map{"error": "method_not_allowed"})
	}
	if f.handler == nil {
		f.logError(route, "handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "handler_missing"})
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.Route, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.Route, recovered interface{}, requestID string) error {
	f.logError(route, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func isAllowedMethod(method string) bool {
	for _, allowed := range allowedMethods {
		if method == allowed {
			return true
		}
	}
	return false
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logError(route *server.Route, code string, err error, requestID string) {
	fields := logrus.Fields{"origin": ""}
	if route != nil {
		fields["origin"] = route.Origin
	}
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Warn("request rejected")
}
