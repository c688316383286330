package routes

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/eternlty/offline-cache/internal/cache"
	"github.com/eternlty/offline-cache/internal/logging"
	"github.com/eternlty/offline-cache/internal/metrics"
	"github.com/eternlty/offline-cache/internal/server"
	"github.com/eternlty/offline-cache/internal/worker"
)

// Options 汇总 /-/ 控制接口依赖；Metrics 为空时不注册 /-/metrics。
type Options struct {
	Registry *server.ScopeRegistry
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	// ControlToken 非空时，安装、清空与同步接口要求携带该令牌；为空时仅允许回环地址访问。
	ControlToken string
}

// RegisterScopeRoutes 暴露 /-/scopes 诊断与生命周期接口，供运维查询状态、重装或清空缓存。
func RegisterScopeRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Registry == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	guard := controlGuard(opts.ControlToken, logger)

	app.Get("/-/scopes", func(c fiber.Ctx) error {
		routes := opts.Registry.List()
		payload := make([]worker.Status, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, scopeStatus(c, route))
		}
		return c.JSON(fiber.Map{"scopes": payload})
	})

	app.Get("/-/scopes/:name", func(c fiber.Ctx) error {
		route, err := lookupScope(c, opts.Registry)
		if route == nil {
			return err
		}
		detail := scopeDetail{Status: scopeStatus(c, route)}
		if route.Registration != nil {
			entries, err := route.Registration.Entries(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "entries_unavailable"})
			}
			detail.Entries = encodeEntries(entries)
		}
		return c.JSON(detail)
	})

	app.Post("/-/scopes/:name/install", guard, func(c fiber.Ctx) error {
		route, err := lookupScope(c, opts.Registry)
		if route == nil {
			return err
		}
		reg := route.Registration
		if reg == nil {
			return scopeUnavailable(c)
		}

		version := strings.TrimSpace(c.Query("version"))
		if version == "" {
			version = route.Config.CacheVersion
		}
		reset, _ := strconv.ParseBool(c.Query("reset"))

		fields := logging.ScopeFields("install", route.Config.Name, version)
		fields["reset"] = reset
		fields["request_id"] = server.RequestID(c)

		var report *worker.InstallReport
		if reset {
			report, err = reg.Reinstall(c.Context(), version)
		} else {
			report, err = reg.Update(c.Context(), version)
		}
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("install_failed")
			status := fiber.StatusInternalServerError
			code := "install_failed"
			var installErr *worker.InstallationError
			if errors.As(err, &installErr) {
				status = fiber.StatusConflict
				code = "installation_error"
			}
			return c.Status(status).JSON(fiber.Map{
				"error":  code,
				"detail": err.Error(),
				"report": report,
				"scope":  reg.Status(c.Context()),
			})
		}
		logger.WithFields(fields).Info("install_complete")
		return c.JSON(fiber.Map{
			"report": report,
			"scope":  reg.Status(c.Context()),
		})
	})

	app.Delete("/-/scopes/:name/caches", guard, func(c fiber.Ctx) error {
		route, err := lookupScope(c, opts.Registry)
		if route == nil {
			return err
		}
		reg := route.Registration
		if reg == nil {
			return scopeUnavailable(c)
		}
		fields := logging.ScopeFields("unregister", route.Config.Name, reg.ActiveVersion())
		fields["request_id"] = server.RequestID(c)
		if err := reg.Unregister(c.Context()); err != nil {
			logger.WithFields(fields).WithError(err).Error("unregister_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "unregister_failed",
				"detail": err.Error(),
			})
		}
		logger.WithFields(fields).Info("caches purged")
		return c.JSON(fiber.Map{"scope": reg.Status(c.Context())})
	})

	app.Post("/-/scopes/:name/sync", guard, func(c fiber.Ctx) error {
		route, err := lookupScope(c, opts.Registry)
		if route == nil {
			return err
		}
		reg := route.Registration
		if reg == nil {
			return scopeUnavailable(c)
		}
		tag := strings.TrimSpace(c.Query("tag"))
		if tag == "" {
			tag = worker.BackgroundSyncTag
		}
		return c.JSON(fiber.Map{
			"tag":     tag,
			"handled": reg.Sync(c.Context(), tag),
		})
	})

	app.Get("/-/presets", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"presets": encodePresets()})
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}
}

type scopeDetail struct {
	worker.Status
	Entries []entryPayload `json:"cached_requests"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func lookupScope(c fiber.Ctx, registry *server.ScopeRegistry) (*server.ScopeRoute, error) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "scope_name_required"})
	}
	route, ok := registry.LookupName(name)
	if !ok {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
	}
	return route, nil
}

func scopeUnavailable(c fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "scope_unavailable"})
}

// scopeStatus 在 Registration 缺失时（例如仅做配置检查）退化为配置信息。
func scopeStatus(c fiber.Ctx, route *server.ScopeRoute) worker.Status {
	if route.Registration != nil {
		return route.Registration.Status(c.Context())
	}
	return worker.Status{
		Name:   route.Config.Name,
		Domain: route.Config.Domain,
		Preset: route.PresetKey,
		Policy: string(route.Profile.InstallPolicy),
		State:  worker.StateIdle,
	}
}

func encodeEntries(entries []cache.RequestID) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entryPayload{Method: entry.Method, URL: entry.URL})
	}
	return result
}
