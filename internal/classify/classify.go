// Package classify decides how an intercepted request is served: ignored,
// cache-first, network-first or plain pass-through.
package classify

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/eternlty/offline-cache/internal/network"
	"github.com/eternlty/offline-cache/internal/preset"
)

// Classification 是请求分类结果。
type Classification string

const (
	Ignore       Classification = "ignore"
	CacheFirst   Classification = "cache-first"
	NetworkFirst Classification = "network-first"
	PassThrough  Classification = "pass-through"
)

// Intercepted 表示该分类需要经过缓存策略处理。
func (c Classification) Intercepted() bool {
	return c == CacheFirst || c == NetworkFirst
}

// Classifier 持有编译后的规则，构造后只读，可被并发使用。
type Classifier struct {
	origin    *url.URL
	cacheable []*regexp.Regexp
	ignore    []*regexp.Regexp
}

// New 根据 scope 公开地址与合并后的 Profile 编译规则。
func New(baseURL string, profile preset.Profile) (*Classifier, error) {
	origin, err := url.Parse(baseURL)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	cacheable, err := compileAll(profile.CacheablePatterns)
	if err != nil {
		return nil, fmt.Errorf("cacheable pattern: %w", err)
	}
	ignore, err := compileAll(profile.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("ignore pattern: %w", err)
	}
	return &Classifier{origin: origin, cacheable: cacheable, ignore: ignore}, nil
}

// Classify 按顺序应用规则：方法 → 忽略规则 → 可缓存规则 → 同源导航 → 透传。
func (c *Classifier) Classify(req *network.Request) Classification {
	if req == nil || req.Method != http.MethodGet {
		return Ignore
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return PassThrough
	}

	// 忽略规则作用于 path + query，使 `?nocache` 一类规则生效
	target := parsed.EscapedPath()
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	if matchAny(c.ignore, target) {
		return Ignore
	}
	if matchAny(c.cacheable, req.URL) {
		return CacheFirst
	}
	if c.sameOrigin(parsed) && req.IsNavigation() {
		return NetworkFirst
	}
	return PassThrough
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, value string) bool {
	for _, re := range patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}
