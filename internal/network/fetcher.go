package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NetworkError 表示传输层失败（DNS、连接、超时等），HTTP 状态码不属于此类。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError 判断 err 链中是否包含 *NetworkError。
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Fetcher 执行一次真实获取。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 通过共享 http.Client 访问源站：scope 公开地址上的请求被映射到 Upstream，
// 其它绝对地址（CDN、字体等）原样请求。
type HTTPFetcher struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewHTTPFetcher 创建 fetcher；proxy 非空时为该 scope 单独克隆一个带代理的 Transport。
func NewHTTPFetcher(client *http.Client, publicBase, upstream, proxy string) (*HTTPFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	origin, err := url.Parse(publicBase)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid public base url %q", publicBase)
	}
	upstreamURL, err := url.Parse(upstream)
	if err != nil || upstreamURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", upstream)
	}

	// 重定向原样交给策略层：3xx 不会被缓存，浏览器按 Location 重新发起请求
	cloned := *client
	cloned.CheckRedirect = keepRedirect
	client = &cloned

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if base, ok := client.Transport.(*http.Transport); ok && base != nil {
			transport = base.Clone()
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		client.Transport = transport
	}

	return &HTTPFetcher{
		client:   client,
		origin:   origin,
		upstream: upstreamURL,
	}, nil
}

// Fetch 发送请求。传输错误包装为 *NetworkError，任何状态码都视为成功返回。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	var httpReq *http.Request
	if body != nil {
		httpReq, err = http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, req.Method, target.String(), http.NoBody)
	}
	if err != nil {
		return nil, err
	}

	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	header := CloneHeaders(resp.Header)
	if location := header.Get("Location"); location != "" {
		header.Set("Location", f.publicLocation(target, location))
	}
	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   resp.Body,
	}, nil
}

func keepRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// publicLocation 将指向 Upstream 的 Location 改写回 scope 公开地址，其它地址原样返回。
func (f *HTTPFetcher) publicLocation(requested *url.URL, location string) string {
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	abs := requested.ResolveReference(ref)
	if !strings.EqualFold(abs.Scheme, f.upstream.Scheme) || !strings.EqualFold(abs.Host, f.upstream.Host) {
		return location
	}
	prefix := strings.TrimSuffix(f.upstream.Path, "/")
	if prefix != "" && abs.Path != prefix && !strings.HasPrefix(abs.Path, prefix+"/") {
		return location
	}

	public := *f.origin
	public.Path = strings.TrimPrefix(abs.Path, prefix)
	if public.Path == "" {
		public.Path = "/"
	}
	public.RawPath = ""
	public.RawQuery = abs.RawQuery
	public.Fragment = abs.Fragment
	return public.String()
}

// resolve 将公开地址映射到 Upstream，保留路径与查询串。
func (f *HTTPFetcher) resolve(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", raw, err)
	}
	if !parsed.IsAbs() {
		parsed = f.origin.ResolveReference(parsed)
	}
	if !f.sameOrigin(parsed) {
		parsed.Fragment = ""
		return parsed, nil
	}

	target := *f.upstream
	pathValue := parsed.Path
	if pathValue == "" {
		pathValue = "/"
	}
	target.Path = strings.TrimSuffix(f.upstream.Path, "/") + pathValue
	target.RawPath = ""
	target.RawQuery = parsed.RawQuery
	target.Fragment = ""
	return &target, nil
}

func (f *HTTPFetcher) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, f.origin.Scheme) && strings.EqualFold(u.Hostname(), f.origin.Hostname()) &&
		effectivePort(u) == effectivePort(f.origin)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
