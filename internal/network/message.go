package network

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eternlty/offline-cache/internal/cache"
)

// Request 描述一次被拦截的请求。URL 必须是绝对地址（同源请求使用 scope 的公开地址）。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest 构造 GET 以外也可使用的请求，Header 为空时自动初始化。
func NewRequest(method, rawURL string, header http.Header) *Request {
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{Method: strings.ToUpper(method), URL: rawURL, Header: header}
}

// Identity 返回存储层使用的请求标识。
func (r *Request) Identity() (cache.RequestID, error) {
	return cache.NewRequestID(r.Method, r.URL)
}

// AcceptsHTML 判断 Accept 是否包含 text/html。
func (r *Request) AcceptsHTML() bool {
	for _, value := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(value), "text/html") {
			return true
		}
	}
	return false
}

// IsNavigation 对应浏览器的导航请求：Sec-Fetch-Mode: navigate，或 Accept 包含 text/html。
func (r *Request) IsNavigation() bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return r.AcceptsHTML()
}

// Response 是一次获取的结果。Body 只能被消费一次，需要同时存储与返回时先调用 Buffer。
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Buffer 读取完整正文并以同样内容重置 Body，返回的切片与 Body 互不影响。
func (r *Response) Buffer() ([]byte, error) {
	if r.Body == nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return []byte{}, nil
	}
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return append([]byte(nil), data...), nil
}

// Close 释放正文。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Snapshot 缓冲正文并生成可写入存储的快照。
func (r *Response) Snapshot(id cache.RequestID, now time.Time) (*cache.Snapshot, error) {
	body, err := r.Buffer()
	if err != nil {
		return nil, err
	}
	return &cache.Snapshot{
		Request:  id,
		Status:   r.Status,
		Header:   CloneHeaders(r.Header),
		Body:     body,
		StoredAt: now,
	}, nil
}

// FromSnapshot 将缓存快照还原为一次新的响应，正文不与快照共享。
func FromSnapshot(snapshot *cache.Snapshot) *Response {
	clone := snapshot.Clone()
	header := clone.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: clone.Status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(clone.Body)),
	}
}
