package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/eternlty/offline-cache/internal/config"
	"github.com/eternlty/offline-cache/internal/preset"
	"github.com/eternlty/offline-cache/internal/worker"
)

// ScopeRoute 将 Scope 配置与派生属性（解析后的 Upstream/Proxy URL、合并后的 Profile）
// 以及该 scope 的 worker 注册聚合在一起，供路由/代理层直接复用。
type ScopeRoute struct {
	// Config 是用户在 config.toml 中声明的 Scope 字段副本，避免外部修改。
	Config config.ScopeConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成，便于后续请求快速复用。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// PresetKey/Profile 记录选用的预设与 scope 覆盖后的最终结果。
	PresetKey string
	Profile   preset.Profile
	// Registration 驱动该 scope 的缓存生命周期与请求策略。
	Registration *worker.Registration
}

// RegistrationBuilder 为每个 scope 创建 worker 注册，测试中可以返回 nil。
type RegistrationBuilder func(runtime config.ScopeRuntime) (*worker.Registration, error)

// ScopeRegistry 提供 Host/Host:port 到 ScopeRoute 的查询能力，所有 Scope 共享同一个监听端口。
type ScopeRegistry struct {
	routes  map[string]*ScopeRoute
	byName  map[string]*ScopeRoute
	ordered []*ScopeRoute
}

// NewScopeRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewScopeRegistry(cfg *config.Config, build RegistrationBuilder) (*ScopeRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &ScopeRegistry{
		routes: make(map[string]*ScopeRoute, len(cfg.Scopes)),
		byName: make(map[string]*ScopeRoute, len(cfg.Scopes)),
	}

	for _, scope := range cfg.Scopes {
		normalizedHost := normalizeDomain(scope.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for scope %s", scope.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[scope.Name]; exists {
			return nil, fmt.Errorf("duplicate scope name %s", scope.Name)
		}

		route, err := buildScopeRoute(cfg, scope, build)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[scope.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 ScopeRoute，端口被忽略。
func (r *ScopeRegistry) Lookup(host string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// LookupName 根据 scope 名称查找，供 /-/ 控制接口使用。
func (r *ScopeRegistry) LookupName(name string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 ScopeRoute 列表（按配置定义的顺序）。
func (r *ScopeRegistry) List() []*ScopeRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*ScopeRoute(nil), r.ordered...)
}

// Wait 等待所有 scope 的后台刷新结束，用于优雅退出。
func (r *ScopeRegistry) Wait() {
	for _, route := range r.List() {
		if route.Registration != nil {
			route.Registration.Wait()
		}
	}
}

func buildScopeRoute(cfg *config.Config, scope config.ScopeConfig, build RegistrationBuilder) (*ScopeRoute, error) {
	runtime, err := runtimeForScope(scope)
	if err != nil {
		return nil, err
	}

	upstreamURL, err := url.Parse(scope.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for scope %s: %w", scope.Name, err)
	}

	var proxyURL *url.URL
	if scope.Proxy != "" {
		proxyURL, err = url.Parse(scope.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for scope %s: %w", scope.Name, err)
		}
	}

	route := &ScopeRoute{
		Config:      scope,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		PresetKey:   runtime.Preset.Key,
		Profile:     runtime.Profile,
	}
	if build != nil {
		reg, err := build(runtime)
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope.Name, err)
		}
		route.Registration = reg
	}
	return route, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
