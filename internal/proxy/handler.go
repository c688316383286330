package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/eternlty/offline-cache/internal/classify"
	"github.com/eternlty/offline-cache/internal/logging"
	"github.com/eternlty/offline-cache/internal/metrics"
	"github.com/eternlty/offline-cache/internal/network"
	"github.com/eternlty/offline-cache/internal/server"
	"github.com/eternlty/offline-cache/internal/strategy"
)

const (
	headerOutcome = "X-Offline-Cache"
	headerVersion = "X-Offline-Cache-Version"
)

var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

// Handler 负责 orchestrate “构造请求 → 分类 → 策略分发 → 写回响应” 的全流程，
// 对外暴露 Fiber handler，缓存与回源细节交给 scope 的 worker 注册。
type Handler struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler constructs a proxy handler with shared logger/metrics.
func NewHandler(logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:  logger,
		metrics: m,
	}
}

// Handle 执行分类与策略分发，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.ScopeRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	reg := route.Registration

	req := buildRequest(c, route)
	class := reg.Classify(req)
	if class.Intercepted() {
		stripConditionalHeaders(req.Header)
	}
	gen := reg.Active()
	version := ""
	if gen != nil {
		version = gen.Version()
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := reg.Dispatcher().Dispatch(ctx, class, gen, req)
	if err != nil {
		h.logResult(route, req, class, "", version, requestID, 0, started, err)
		setRequestIDHeader(c, requestID)
		if network.IsNetworkError(err) {
			return h.writeError(c, fiber.StatusBadGateway, "network_unavailable")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer result.Response.Close()

	copyResponseHeaders(c, result.Response.Header)
	c.Set(headerOutcome, string(result.Outcome))
	if version != "" && result.Outcome != strategy.OutcomeBypass {
		c.Set(headerVersion, version)
	}
	setRequestIDHeader(c, requestID)
	c.Status(result.Response.Status)

	_, err = io.Copy(c.Response().BodyWriter(), result.Response.Body)
	h.logResult(route, req, class, result.Outcome, version, requestID, result.Response.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.ScopeRoute,
	req *network.Request,
	class classify.Classification,
	outcome strategy.Outcome,
	version string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	h.metrics.ObserveRequest(route.Config.Name, string(class), outcomeLabel(outcome, err))

	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		version,
		string(class),
		string(outcome),
	)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func outcomeLabel(outcome strategy.Outcome, err error) string {
	if err != nil {
		var netErr *network.NetworkError
		if errors.As(err, &netErr) {
			return "network_error"
		}
		return "error"
	}
	return string(outcome)
}

// buildRequest 以 scope 的公开地址重建请求 URL，忽略客户端实际使用的协议与端口。
func buildRequest(c fiber.Ctx, route *server.ScopeRoute) *network.Request {
	target, err := url.Parse(route.Config.BaseURL())
	if err != nil {
		target = &url.URL{Scheme: "https", Host: route.Config.Domain}
	}
	uri := c.Request().URI()
	target.Path = requestPath(c)
	target.RawQuery = string(uri.QueryString())

	header := fiberHeadersAsHTTP(c)
	header.Del("Host")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())

	req := network.NewRequest(c.Method(), target.String(), header)
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传响应头；Content-Length 交给 fasthttp 按实际正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if network.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

// stripConditionalHeaders 移除条件请求头，保证被接管的请求拿到可存储的完整 200 而不是 304。
func stripConditionalHeaders(header http.Header) {
	for _, key := range conditionalHeaders {
		header.Del(key)
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}
