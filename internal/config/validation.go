package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/eternlty/offline-cache/internal/preset"
)

var supportedBackends = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 fs/sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if len(c.Scopes) == 0 {
		return errors.New("至少需要配置一个 Scope")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Scopes {
		scope := &c.Scopes[i]
		if scope.Name == "" {
			return newFieldError("Scope[].Name", "不能为空")
		}
		if strings.ContainsAny(scope.Name, `/\ `) || scope.Name == "." || scope.Name == ".." {
			return newFieldError(scopeField(scope.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[scope.Name]; exists {
			return newFieldError(scopeField(scope.Name, "Name"), "重复")
		}
		seenNames[scope.Name] = struct{}{}

		if err := validateDomain(scope.Domain); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Domain"), err)
		}
		domainKey := strings.ToLower(scope.Domain)
		if _, exists := seenDomains[domainKey]; exists {
			return newFieldError(scopeField(scope.Name, "Domain"), "重复")
		}
		seenDomains[domainKey] = struct{}{}

		if scope.Scheme != "http" && scope.Scheme != "https" {
			return newFieldError(scopeField(scope.Name, "Scheme"), "仅支持 http/https")
		}
		if err := validateUpstream(scope.Upstream); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Upstream"), err)
		}
		if scope.Proxy != "" {
			if err := validateUpstream(scope.Proxy); err != nil {
				return fmt.Errorf("%s: %w", scopeField(scope.Name, "Proxy"), err)
			}
		}

		if scope.CacheVersion == "" {
			return newFieldError(scopeField(scope.Name, "CacheVersion"), "不能为空")
		}
		if strings.ContainsAny(scope.CacheVersion, `/\`) || scope.CacheVersion == "." || scope.CacheVersion == ".." {
			return newFieldError(scopeField(scope.Name, "CacheVersion"), "不允许包含路径分隔符")
		}
		if scope.InstallPolicy != "" && !preset.InstallPolicy(scope.InstallPolicy).Valid() {
			return newFieldError(scopeField(scope.Name, "InstallPolicy"), "仅支持 best-effort/all-or-nothing")
		}

		meta, ok := scope.ResolvePreset()
		if !ok {
			return newFieldError(scopeField(scope.Name, "Preset"), fmt.Sprintf("未注册预设: %s", scope.Preset))
		}
		if err := validateProfile(scope.Name, preset.ResolveProfile(meta, scope.Overrides())); err != nil {
			return err
		}
	}

	return nil
}

func validateProfile(name string, profile preset.Profile) error {
	for _, pattern := range profile.CacheablePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%s: %w", scopeField(name, "CacheablePatterns"), err)
		}
	}
	for _, pattern := range profile.IgnorePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%s: %w", scopeField(name, "IgnorePatterns"), err)
		}
	}
	for _, raw := range append(append([]string(nil), profile.CoreFiles...), profile.OptionalFiles...) {
		if strings.TrimSpace(raw) == "" {
			return newFieldError(scopeField(name, "CoreFiles/OptionalFiles"), "不允许空 URL")
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s: %w", scopeField(name, "CoreFiles/OptionalFiles"), err)
		}
	}
	if profile.OfflinePage == "" {
		return newFieldError(scopeField(name, "OfflinePage"), "不能为空")
	}
	if !containsString(profile.CoreFiles, profile.OfflinePage) && !containsString(profile.OptionalFiles, profile.OfflinePage) {
		return newFieldError(scopeField(name, "OfflinePage"), "必须出现在 CoreFiles 或 OptionalFiles 中")
	}
	return nil
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// UpstreamTimeout 返回上游请求超时，未配置时回退到 30s。
func (c *Config) UpstreamTimeout() time.Duration {
	if c == nil || c.Global.UpstreamTimeout.DurationValue() <= 0 {
		return 30 * time.Second
	}
	return c.Global.UpstreamTimeout.DurationValue()
}
