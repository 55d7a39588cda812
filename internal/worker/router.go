package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
)

// RouterOptions 定义按 URL 分类写入目标的规则。
type RouterOptions struct {
	// BulkSuffixes 中的路径后缀写入 bulk 缓存，例如 /app/Tibia.spr。
	BulkSuffixes []string
	// BulkPrefixes 中的路径前缀写入 bulk 缓存，例如动态渲染的 /spr/<id>。
	BulkPrefixes []string
	// InternalSchemes 为浏览器内部协议（不带冒号），此类响应永不写入缓存。
	InternalSchemes []string
}

// WriteStats 统计后台缓存写入结果。
type WriteStats struct {
	Stored int64 `json:"stored"`
	Failed int64 `json:"failed"`
}

// StoreRouter 发起一次网络请求，并按 URL 分类将响应副本异步写入对应缓存。
type StoreRouter struct {
	storage  cache.Storage
	registry *Registry
	fetcher  Fetcher
	opts     RouterOptions
	schemes  map[string]struct{}
	logger   *logrus.Entry

	writes conc.WaitGroup
	stored atomic.Int64
	failed atomic.Int64
}

func NewStoreRouter(storage cache.Storage, registry *Registry, fetcher Fetcher, opts RouterOptions, logger *logrus.Entry) *StoreRouter {
	schemes := make(map[string]struct{}, len(opts.InternalSchemes))
	for _, scheme := range opts.InternalSchemes {
		scheme = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(scheme)), ":")
		if scheme != "" {
			schemes[scheme] = struct{}{}
		}
	}
	return &StoreRouter{
		storage:  storage,
		registry: registry,
		fetcher:  fetcher,
		opts:     opts,
		schemes:  schemes,
		logger:   logger,
	}
}

// Classify 返回 URL 应写入的缓存名；第二个返回值为 false 表示不应写入任何缓存。
func (r *StoreRouter) Classify(rawURL string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	if _, internal := r.schemes[strings.ToLower(parsed.Scheme)]; internal {
		return "", false
	}
	if parsed.Opaque != "" {
		return "", false
	}

	p := parsed.Path
	for _, suffix := range r.opts.BulkSuffixes {
		if suffix != "" && strings.HasSuffix(p, suffix) {
			return r.registry.BulkName(), true
		}
	}
	for _, prefix := range r.opts.BulkPrefixes {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return r.registry.BulkName(), true
		}
	}
	return r.registry.Main().Name, true
}

// FetchAndStore 只发起一次网络请求。失败或非 2xx 响应返回 *FetchError 且不写缓存；
// 成功时立即返回响应，另一份副本交给后台任务写入缓存，写入失败只记录日志。
func (r *StoreRouter) FetchAndStore(ctx context.Context, req Request) (*Response, error) {
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		fetchErr := &FetchError{URL: req.URL, Err: err}
		r.logFetchFailure(req, fetchErr)
		return nil, fetchErr
	}
	if !resp.success() {
		fetchErr := &FetchError{URL: req.URL, Status: resp.Status}
		r.logFetchFailure(req, fetchErr)
		return nil, fetchErr
	}
	resp.Source = SourceNetwork

	if req.method() != http.MethodGet {
		return resp, nil
	}
	target, store := r.Classify(req.URL)
	if !store {
		return resp, nil
	}
	resp.Cache = target
	r.storeDetached(ctx, target, req.URL, resp.clone())
	return resp, nil
}

// Passthrough 直接转发到网络且不写缓存，用于 worker 尚未接管页面的阶段。
func (r *StoreRouter) Passthrough(ctx context.Context, req Request) (*Response, error) {
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		fetchErr := &FetchError{URL: req.URL, Err: err}
		r.logFetchFailure(req, fetchErr)
		return nil, fetchErr
	}
	resp.Source = SourceNetwork
	return resp, nil
}

func (r *StoreRouter) storeDetached(ctx context.Context, target, rawURL string, snapshot *Response) {
	writeCtx := context.WithoutCancel(ctx)
	r.writes.Go(func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.writeFailed(target, rawURL, fmt.Errorf("panic: %v", rec))
			}
		}()
		named, err := r.storage.Open(writeCtx, target)
		if err != nil {
			r.writeFailed(target, rawURL, err)
			return
		}
		if _, err := named.Put(writeCtx, cache.Request{Method: http.MethodGet, URL: rawURL}, cache.Response{
			Status: snapshot.Status,
			Header: snapshot.Header,
			Body:   snapshot.Body,
		}); err != nil {
			r.writeFailed(target, rawURL, err)
			return
		}
		r.stored.Add(1)
		r.logger.WithFields(logrus.Fields{
			"action": "store_write",
			"cache":  target,
			"url":    rawURL,
			"bytes":  len(snapshot.Body),
		}).Debug("response stored")
	})
}

// writeFailed 是后台写入的错误出口：只记录，不影响已交付的响应。
func (r *StoreRouter) writeFailed(target, rawURL string, err error) {
	r.failed.Add(1)
	r.logger.WithFields(logrus.Fields{
		"action": "store_write",
		"cache":  target,
		"url":    rawURL,
	}).WithError(err).Warn("cache write failed")
}

// Drain 等待所有后台写入结束。
func (r *StoreRouter) Drain() {
	r.writes.Wait()
}

func (r *StoreRouter) Stats() WriteStats {
	return WriteStats{Stored: r.stored.Load(), Failed: r.failed.Load()}
}

func (r *StoreRouter) logFetchFailure(req Request, err *FetchError) {
	fields := logging.RequestFields(req.method(), req.URL, "", false)
	fields["action"] = "network_fetch"
	if err.Status != 0 {
		fields["status"] = err.Status
	}
	r.logger.WithFields(fields).WithError(err).Warn("network fetch failed")
}
