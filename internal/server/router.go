package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 接管某个 scope 下的请求，按分类结果走缓存策略或直接回源。
type ProxyHandler interface {
	Handle(fiber.Ctx, *ScopeRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *ScopeRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *ScopeRoute) error {
	return f(c, route)
}

// AppOptions 描述监听端口上的 scope 路由；同一端口可承载多个域名。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *ScopeRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	// HeaderScope 标记命中的 scope 名称，便于在浏览器里区分多个站点。
	HeaderScope     = "X-Offline-Cache-Scope"
	headerRequestID = "X-Request-ID"

	controlPrefix = "/-/"

	localScope     = "offline-cache.scope"
	localRequestID = "offline-cache.request-id"
)

// NewApp 创建按 Host 分发到 scope 的 Fiber 应用。
// /-/ 下的控制接口由调用方在返回后注册，不参与 scope 匹配。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("scope registry is required")
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
	app.Use(assignRequestID)
	app.Use(scopeResolver(opts))

	app.All("/*", func(c fiber.Ctx) error {
		route := scopeFromLocals(c)
		if route == nil {
			// 控制路径交给后续注册的 /-/ 路由
			return c.Next()
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// assignRequestID 沿用客户端传入的合法 UUID，否则生成新的请求 ID。
func assignRequestID(c fiber.Ctx) error {
	reqID := strings.TrimSpace(c.Get(headerRequestID))
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.NewString()
	}
	c.Locals(localRequestID, reqID)
	c.Set(headerRequestID, reqID)
	return c.Next()
}

// scopeResolver 按 Host 匹配 scope（忽略端口），未知域名直接返回 404。
func scopeResolver(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		host := requestHost(c)
		route, ok := opts.Registry.Lookup(host)
		if !ok {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "scope_lookup",
				"host":       host,
				"port":       opts.ListenPort,
				"request_id": RequestID(c),
			}).Warn("host unmapped")
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "host_unmapped",
				"host":  host,
			})
		}

		c.Locals(localScope, route)
		c.Set(HeaderScope, route.Config.Name)
		return c.Next()
	}
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(c.Hostname())
}

func scopeFromLocals(c fiber.Ctx) *ScopeRoute {
	route, _ := c.Locals(localScope).(*ScopeRoute)
	return route
}

// RequestID returns the request identifier assigned by the router.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localRequestID).(string)
	return reqID
}

func isControlPath(path string) bool {
	return strings.HasPrefix(path, controlPrefix)
}
