package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Store 表示一个按名称打开的缓存代际，条目以请求标识（方法 + URI）为键。磁盘布局：
//
//	<StoragePath>/<CacheName>/<sha256>.body   # 响应正文
//	<StoragePath>/<CacheName>/<sha256>.json   # 状态码、响应头与请求标识
//
// 与浏览器 Cache API 一致，只有 GET 请求可以写入或命中。
type Store interface {
	// Name 返回缓存名称。
	Name() string

	// Match 返回可流式读取的缓存响应。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*ReadResult, error)

	// Put 写入一条响应，已存在的同键条目会被覆盖。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, key RequestKey, resp Response) (*Entry, error)

	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 返回当前缓存中的全部请求标识。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 唯一标识一个缓存条目。URL 仅包含 path + query，不含上游主机。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// KeyFromRequest 根据请求计算缓存标识。
func KeyFromRequest(req *http.Request) RequestKey {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	uri := "/"
	if req.URL != nil {
		uri = req.URL.RequestURI()
	}
	return RequestKey{Method: method, URL: uri}
}

// String 输出 `GET /index.html` 形式，用于日志与内存层键。
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Cacheable 返回该标识是否允许写入/命中缓存。
func (k RequestKey) Cacheable() bool {
	return k.Method == http.MethodGet
}

// Response 是写入缓存的响应快照。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.Reader
}

// Entry 描述一个已落盘的缓存条目。
type Entry struct {
	Key        RequestKey  `json:"key"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	SizeBytes  int64       `json:"size_bytes"`
	StoredAt   time.Time   `json:"stored_at"`
	FilePath   string      `json:"-"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// HTTPResponse 将缓存结果转换为 *http.Response，Body 的所有权随之转移。
func (r *ReadResult) HTTPResponse(req *http.Request) *http.Response {
	status := r.Entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := r.Entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          r.Reader,
		ContentLength: r.Entry.SizeBytes,
		Request:       req,
	}
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示请求方法不是 GET。
	ErrMethodNotCacheable = errors.New("request method is not cacheable")
	// ErrInvalidCacheName 表示缓存名称无法作为目录名使用。
	ErrInvalidCacheName = errors.New("invalid cache name")
)
