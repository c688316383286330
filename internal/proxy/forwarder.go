package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/eternlty/offline-cache/internal/logging"
	"github.com/eternlty/offline-cache/internal/server"
)

// Forwarder 在调用实际 handler 前确认 scope 已完成注册，并把 handler panic 转换为 500 响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 503。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.ScopeRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil || route == nil || route.Registration == nil {
		return f.respondUnavailable(c, route, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) respondUnavailable(c fiber.Ctx, route *server.ScopeRoute, requestID string) error {
	f.logScopeError(route, "scope_unavailable", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusServiceUnavailable).
		JSON(fiber.Map{"error": "scope_unavailable"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.ScopeRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.ScopeRoute, recovered interface{}, requestID string) error {
	f.logScopeError(route, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func (f *Forwarder) logScopeError(route *server.ScopeRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := f.routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("scope handler unavailable")
}

func (f *Forwarder) routeFields(route *server.ScopeRoute, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.RequestFields("", "", "", "", "")
	} else {
		version := ""
		if route.Registration != nil {
			version = route.Registration.ActiveVersion()
		}
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, version, "", "")
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
