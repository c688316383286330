package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"lukechampine.com/blake3"
)

// RequestID 唯一标识一个缓存条目：请求方法 + 规范化 URL。
type RequestID struct {
	Method string
	URL    string
}

// NewRequestID 规范化 rawURL：scheme/host 小写、去除默认端口与 fragment、清理路径，保留原始 query。
func NewRequestID(method, rawURL string) (RequestID, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return RequestID{}, err
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestID{Method: method, URL: normalized}, nil
}

// MustRequestID 用于常量 URL，解析失败时 panic。
func MustRequestID(method, rawURL string) RequestID {
	id, err := NewRequestID(method, rawURL)
	if err != nil {
		panic(err)
	}
	return id
}

// NormalizeURL 返回用于缓存键的绝对 URL 字符串。
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", errors.New("request url must be absolute")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	cleanPath := parsed.EscapedPath()
	if cleanPath == "" {
		cleanPath = "/"
	}
	trailing := strings.HasSuffix(cleanPath, "/")
	cleanPath = path.Clean(cleanPath)
	if trailing && cleanPath != "/" {
		cleanPath += "/"
	}

	out := scheme + "://" + host + cleanPath
	if parsed.RawQuery != "" {
		out += "?" + parsed.RawQuery
	}
	return out, nil
}

// String 输出 "GET https://host/path" 形式，便于日志与诊断。
func (id RequestID) String() string {
	return id.Method + " " + id.URL
}

// Key 返回后端使用的定长存储键（blake3-256 十六进制）。
func (id RequestID) Key() string {
	sum := blake3.Sum256([]byte(id.String()))
	return hex.EncodeToString(sum[:])
}
