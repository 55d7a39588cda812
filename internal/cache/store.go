package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理全部具名缓存。Keys 按缓存的创建顺序返回，Fetch Resolver
// 依赖该顺序在多缓存同时命中时做确定性的选择。
type Storage interface {
	// Open 打开指定缓存，不存在时创建。
	Open(ctx context.Context, name string) (NamedCache, error)

	// Get 打开已存在的缓存，不会创建；缓存不存在时返回 ErrCacheNotFound。
	Get(ctx context.Context, name string) (NamedCache, error)

	// Has 仅做存在性检查，不关心缓存内容。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回当前全部缓存名（创建顺序）。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存，返回缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// NamedCache 是单个缓存的 URL → 响应映射。
type NamedCache interface {
	Name() string

	// Match 查找请求对应的条目，未命中返回 ErrNotFound。
	Match(ctx context.Context, req Request) (*Entry, error)

	// Put 写入条目，同一 URL 重复写入会覆盖旧值。
	Put(ctx context.Context, req Request, resp Response) (*Entry, error)

	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, req Request) (bool, error)

	// Keys 返回缓存内全部条目的 URL（字典序）。
	Keys(ctx context.Context) ([]string, error)
}

// Request 描述一次缓存查询/写入所用的请求身份。
type Request struct {
	Method string
	URL    string
}

// Response 是待写入缓存的响应快照。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Cache     string      `json:"cache"`
	URL       string      `json:"url"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"-"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheNotFound 表示具名缓存不存在。
	ErrCacheNotFound = errors.New("cache not found")
	// ErrMethodNotCacheable 表示仅 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrCacheDeleted 表示缓存已在操作过程中被删除。
	ErrCacheDeleted = errors.New("cache has been deleted")
)
