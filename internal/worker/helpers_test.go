package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/clients"
)

// stubFetcher 记录每次网络请求，默认返回 200 与 "body:<url>"。
type stubFetcher struct {
	mu       sync.Mutex
	calls    []string
	statuses map[string]int
	failures map[string]error
	panicOn  map[string]bool
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		statuses: make(map[string]int),
		failures: make(map[string]error),
		panicOn:  make(map[string]bool),
	}
}

func (f *stubFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	status, ok := f.statuses[req.URL]
	failure := f.failures[req.URL]
	shouldPanic := f.panicOn[req.URL]
	f.mu.Unlock()

	if shouldPanic {
		panic("stub fetcher exploded")
	}
	if failure != nil {
		return nil, failure
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		status = http.StatusOK
	}
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	return &Response{
		Status: status,
		Header: header,
		Body:   []byte("body:" + req.URL),
	}, nil
}

func (f *stubFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call == url {
			n++
		}
	}
	return n
}

func (f *stubFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *stubFetcher) failWith(url string, err error) {
	f.mu.Lock()
	f.failures[url] = err
	f.mu.Unlock()
}

func (f *stubFetcher) respondStatus(url string, status int) {
	f.mu.Lock()
	f.statuses[url] = status
	f.mu.Unlock()
}

var errStubNetwork = errors.New("stub network down")

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testSpecs() []CacheSpec {
	return []CacheSpec{
		{Name: "main-v2", Role: RoleMain, URLs: []string{"/app/", "/favicon.ico", "/app/main.wasm"}},
		{Name: "bulk-v2", Role: RoleBulk, URLs: []string{"/app/Tibia.spr", "/app/Tibia.dat"}},
	}
}

func testRouterOptions() RouterOptions {
	return RouterOptions{
		BulkSuffixes:    []string{"/app/Tibia.spr", "/app/Tibia.pic", "/app/Tibia.dat"},
		BulkPrefixes:    []string{"/spr/", "/pic/"},
		InternalSchemes: []string{"chrome-extension", "chrome", "moz-extension", "about"},
	}
}

type testEnv struct {
	worker  *Worker
	storage cache.Storage
	hub     *clients.Hub
	fetcher *stubFetcher
}

func newTestEnv(t *testing.T, specs []CacheSpec) *testEnv {
	t.Helper()
	registry, err := NewRegistry(specs)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	storage := cache.NewMemoryStore()
	hub := clients.NewHub(64, newTestLogger())
	fetcher := newStubFetcher()

	w, err := New(Options{
		Storage:            storage,
		Registry:           registry,
		Fetcher:            fetcher,
		Pages:              hub,
		Logger:             newTestLogger(),
		InstallConcurrency: 4,
		ShareTargetPath:    "/app/_share-target-handler",
		Router:             testRouterOptions(),
	})
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}
	t.Cleanup(w.Drain)
	return &testEnv{worker: w, storage: storage, hub: hub, fetcher: fetcher}
}

// activate 完成 install + activate，并清空测试期间产生的网络调用记录。
func (e *testEnv) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.worker.Install(ctx, ""); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if _, err := e.worker.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	e.fetcher.mu.Lock()
	e.fetcher.calls = nil
	e.fetcher.mu.Unlock()
}

func cacheKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	named, err := storage.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("get cache %s: %v", name, err)
	}
	keys, err := named.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	return keys
}

func hasEntry(t *testing.T, storage cache.Storage, name, url string) bool {
	t.Helper()
	named, err := storage.Get(context.Background(), name)
	if err != nil {
		if errors.Is(err, cache.ErrCacheNotFound) {
			return false
		}
		t.Fatalf("get cache %s: %v", name, err)
	}
	_, err = named.Match(context.Background(), cache.Request{URL: url})
	if err == nil {
		return true
	}
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("match %s in %s: %v", url, name, err)
	}
	return false
}

// drainMessages 读出页面队列中已有的全部消息。
func drainMessages(client *clients.Client) []map[string]any {
	var result []map[string]any
	for {
		select {
		case raw, ok := <-client.Messages():
			if !ok {
				return result
			}
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				result = append(result, decoded)
			}
		default:
			return result
		}
	}
}
