package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Request 表示一次被拦截的页面请求。URL 对同源资源是 path+query，
// 其它来源保留完整地址。
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	ClientID string
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Source 标记响应的来源，便于日志与响应头输出。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceShare   Source = "share"
)

// Response 是交付给页面的完整响应；正文已完全读入内存，可安全克隆。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
	// Cache 为命中或写入的缓存名；未涉及缓存时为空。
	Cache string
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.Header != nil {
		cloned.Header = r.Header.Clone()
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

func (r *Response) success() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Fetcher 执行单次网络请求，返回完整读取的响应。状态码判断由调用方负责。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Pages 是页面注册表中 worker 依赖的部分，由 clients.Hub 实现。
type Pages interface {
	Claim() int
	Post(id string, msg any) error
	Broadcast(msg any, includeUncontrolled bool) (int, error)
}

// FetchError 描述一次失败的网络获取：传输错误或非 2xx 状态码。
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

var (
	// ErrNotInstalled 表示 worker 尚未完成安装，无法激活。
	ErrNotInstalled = errors.New("worker not installed")
	// ErrRedundant 表示 worker 安装失败后已被废弃。
	ErrRedundant = errors.New("worker is redundant")
	// ErrInstallInProgress 表示已有安装流程在执行。
	ErrInstallInProgress = errors.New("install already in progress")
)

// IsFetchError reports whether err carries a failed network fetch.
func IsFetchError(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}
