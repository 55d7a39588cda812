package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/version"
	"github.com/offline-hub/offline-hub/internal/worker"
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

// NewUpstreamClient 返回共享 http.Client，用于所有回源请求。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// UpstreamFetcher 实现 worker.Fetcher：相对 URL 基于 Upstream 解析，绝对 URL 原样请求。
// 正文会被完整读入内存，供 worker 克隆后异步写入缓存。
type UpstreamFetcher struct {
	base   *url.URL
	client *http.Client
}

// NewUpstreamFetcher 基于配置中的 Upstream 构建 Fetcher；client 为空时使用 NewUpstreamClient。
func NewUpstreamFetcher(cfg *config.Config, client *http.Client) (*UpstreamFetcher, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	base, err := url.Parse(cfg.Global.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream must be absolute: %q", cfg.Global.Upstream)
	}
	if client == nil {
		client = NewUpstreamClient(cfg)
	}
	return &UpstreamFetcher{base: base, client: client}, nil
}

func (f *UpstreamFetcher) Fetch(ctx context.Context, req worker.Request) (*worker.Response, error) {
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	// 交给 Transport 协商压缩并透明解压，缓存中只保存原始正文。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Header.Del("Content-Length")
	httpReq.Host = target.Host
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

func (f *UpstreamFetcher) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	return f.base.ResolveReference(ref), nil
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
