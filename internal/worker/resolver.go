package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
)

// Resolver 决定一次被拦截请求的去向：分享入口、缓存命中或网络回源。
type Resolver struct {
	storage   cache.Storage
	router    *StoreRouter
	share     *ShareHandler
	sharePath string
	logger    *logrus.Entry
}

func NewResolver(storage cache.Storage, router *StoreRouter, share *ShareHandler, sharePath string, logger *logrus.Entry) *Resolver {
	return &Resolver{
		storage:   storage,
		router:    router,
		share:     share,
		sharePath: sharePath,
		logger:    logger,
	}
}

type lookupResult struct {
	entry *cache.Entry
	err   error
}

// Resolve 处理单个请求。查找阶段的 panic 与错误只记录日志并回退到网络；
// 只有回源本身失败时才返回错误。
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Response, error) {
	if r.isShareTarget(req) {
		return r.share.Handle(ctx, req), nil
	}

	entry, lookupErr := r.safeLookup(ctx, req)
	if lookupErr != nil {
		fields := logging.RequestFields(req.method(), req.URL, "", false)
		fields["action"] = "cache_lookup"
		r.logger.WithFields(fields).WithError(lookupErr).Warn("cache lookup failed, falling back to network")
	}
	if entry != nil {
		fields := logging.RequestFields(req.method(), req.URL, entry.Cache, true)
		fields["action"] = "fetch"
		r.logger.WithFields(fields).Debug("serving from cache")
		return &Response{
			Status: entry.Status,
			Header: entry.Header,
			Body:   entry.Body,
			Source: SourceCache,
			Cache:  entry.Cache,
		}, nil
	}

	fields := logging.RequestFields(req.method(), req.URL, "", false)
	fields["action"] = "fetch"
	r.logger.WithFields(fields).Debug("falling back to network")
	return r.router.FetchAndStore(ctx, req)
}

// safeLookup 将查找阶段的 panic 转换为错误。
func (r *Resolver) safeLookup(ctx context.Context, req Request) (entry *cache.Entry, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			entry, err = nil, fmt.Errorf("cache lookup panic: %v", rec)
		}
	}()
	return r.lookup(ctx, req)
}

// lookup 并发查询全部缓存，全部结束后按缓存枚举顺序返回第一个命中。
// 有命中时忽略其它缓存的错误；无命中时返回汇总错误。
func (r *Resolver) lookup(ctx context.Context, req Request) (*cache.Entry, error) {
	names, err := r.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	key := cache.Request{Method: req.method(), URL: req.URL}
	results := iter.Map(names, func(name *string) lookupResult {
		named, err := r.storage.Get(ctx, *name)
		if err != nil {
			if errors.Is(err, cache.ErrCacheNotFound) {
				return lookupResult{}
			}
			return lookupResult{err: fmt.Errorf("open cache %s: %w", *name, err)}
		}
		entry, err := named.Match(ctx, key)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return lookupResult{}
			}
			return lookupResult{err: fmt.Errorf("match in %s: %w", *name, err)}
		}
		return lookupResult{entry: entry}
	})

	var errs []error
	for _, result := range results {
		if result.entry != nil {
			return result.entry, nil
		}
		if result.err != nil {
			errs = append(errs, result.err)
		}
	}
	return nil, errors.Join(errs...)
}

func (r *Resolver) isShareTarget(req Request) bool {
	if r.share == nil || req.method() != http.MethodPost {
		return false
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	return parsed.Path == r.sharePath
}
