package routes

import (
	"crypto/subtle"
	"net"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/eternlty/offline-cache/internal/server"
)

const controlTokenHeader = "X-Offline-Cache-Token"

// controlGuard 限制会修改缓存的控制接口：配置了 ControlToken 时校验令牌，否则只接受回环地址。
func controlGuard(token string, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if authorizeControl(c.IP(), c.Get(fiber.HeaderAuthorization), c.Get(controlTokenHeader), token) {
			return c.Next()
		}
		logger.WithFields(logrus.Fields{
			"action":     "control_denied",
			"path":       c.Path(),
			"method":     c.Method(),
			"remote_ip":  c.IP(),
			"request_id": server.RequestID(c),
		}).Warn("control_forbidden")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}
}

func authorizeControl(remoteIP, authorization, tokenHeader, token string) bool {
	if token == "" {
		ip := net.ParseIP(remoteIP)
		return ip != nil && ip.IsLoopback()
	}
	presented := strings.TrimSpace(tokenHeader)
	if bearer, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer "); ok {
		presented = strings.TrimSpace(bearer)
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
