package server

import (
	"net"
	"net/http"
	"time"

	"github.com/eternlty/offline-cache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有源站与预缓存请求；不跟随重定向。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout:   cfg.UpstreamTimeout(),
		Transport: defaultTransport.Clone(),
		// 3xx 必须原样返回，否则跳转后的正文会以原地址写入缓存
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
