package server

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/uni-sync/uni-sync-cache/internal/config"
	"github.com/uni-sync/uni-sync-cache/internal/logging"
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

const (
	defaultUpstreamTimeout = 30 * time.Second
	defaultRetryWaitMin    = 500 * time.Millisecond
	maxRetryWait           = 10 * time.Second
)

// NewUpstreamClient 返回共享 http.Client，install 预取与 fetch 回源都经由它。
// MaxRetries 为 0 时不重试；重试耗尽后上游应答（包括 5xx）原样返回给调用方。
func NewUpstreamClient(cfg *config.Config, logger *logrus.Logger) *http.Client {
	timeout := defaultUpstreamTimeout
	retries := 0
	waitMin := defaultRetryWaitMin
	if cfg != nil {
		if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
			timeout = cfg.Global.UpstreamTimeout.DurationValue()
		}
		if cfg.Global.MaxRetries > 0 {
			retries = cfg.Global.MaxRetries
		}
		if cfg.Global.InitialBackoff.DurationValue() > 0 {
			waitMin = cfg.Global.InitialBackoff.DurationValue()
		}
	}
	waitMax := maxRetryWait
	if waitMin > waitMax {
		waitMax = waitMin
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = defaultTransport.Clone()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = waitMin
	retryClient.RetryWaitMax = waitMax
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = retryablehttp.LeveledLogger(logging.RetryLogger{Logger: logger})

	client := retryClient.StandardClient()
	client.Timeout = timeout
	return client
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
