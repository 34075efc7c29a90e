package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/uni-sync/uni-sync-cache/internal/lifecycle"
	"github.com/uni-sync/uni-sync-cache/internal/logging"
	"github.com/uni-sync/uni-sync-cache/internal/server"
)

// HeaderCacheHit 标记响应是否来自缓存。
const HeaderCacheHit = "X-Uni-Sync-Cache-Hit"

// Fetcher 是 fetch 信号的处理方，*lifecycle.Manager 满足该接口。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*lifecycle.FetchResult, error)
}

// Handler 把每个进入的 HTTP 请求转换为一次 fetch 信号：
// 构造指向上游的请求 → 交给 Fetcher（缓存优先，未命中回源）→ 原样写回应答。
type Handler struct {
	fetcher    Fetcher
	upstream   *url.URL
	logger     *logrus.Logger
	listenPort int
}

// NewHandler constructs a proxy handler bound to a single upstream origin.
func NewHandler(fetcher Fetcher, upstream *url.URL, logger *logrus.Logger, listenPort int) (*Handler, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if upstream == nil {
		return nil, errors.New("upstream url is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		fetcher:    fetcher,
		upstream:   upstream,
		logger:     logger,
		listenPort: listenPort,
	}, nil
}

// Handle 执行一次 fetch 并流式写回结果，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()

	upstreamURL := h.resolveUpstreamURL(c)
	req, err := h.buildUpstreamRequest(c, upstreamURL)
	if err != nil {
		h.logResult(method, upstreamURL.String(), requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := h.fetcher.Fetch(requestContext(c), req)
	if err != nil {
		h.logResult(method, upstreamURL.String(), requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	resp := result.Response
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCacheHit, strconv.FormatBool(result.CacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if method == http.MethodHead {
		h.logResult(method, upstreamURL.String(), requestID, resp.StatusCode, result.CacheHit, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(method, upstreamURL.String(), requestID, resp.StatusCode, result.CacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, upstream *url.URL) (*http.Request, error) {
	method := c.Method()
	var body io.Reader = http.NoBody
	if method != http.MethodGet && method != http.MethodHead {
		body = bytesReader(c.Body())
	}

	req, err := http.NewRequestWithContext(requestContext(c), method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = upstream.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	if h.listenPort > 0 {
		req.Header.Set("X-Forwarded-Port", strconv.Itoa(h.listenPort))
	}
	return req, nil
}

func (h *Handler) resolveUpstreamURL(c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if rawQuery := uri.QueryString(); len(rawQuery) > 0 {
		relative.RawQuery = string(rawQuery)
	}
	return h.upstream.ResolveReference(relative)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	upstream string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	target, _ := url.Parse(upstream)
	requestPath := upstream
	if target != nil {
		requestPath = target.RequestURI()
	}
	fields := logging.RequestFields(method, requestPath, requestID, cacheHit)
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// normalizeRequestPath 折叠 `..` 与重复斜杠，但保留目录形式的结尾斜杠。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if clean != "/" && strings.HasSuffix(raw, "/") {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传应答头；Content-Length 由实际写出的 body 决定。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
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
