package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/offline-hub/offline-hub/internal/cache"
)

func seedCache(t *testing.T, storage cache.Storage, name string, urls ...string) {
	t.Helper()
	named, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	for _, url := range urls {
		if _, err := named.Put(context.Background(), cache.Request{URL: url}, cache.Response{Body: []byte("old:" + url)}); err != nil {
			t.Fatalf("seed %s: %v", url, err)
		}
	}
}

func TestActivatorPrunesStaleCachesWithoutCreating(t *testing.T) {
	registry, _ := NewRegistry(testSpecs())
	storage := cache.NewMemoryStore()
	seedCache(t, storage, "main-v1", "/app/")
	seedCache(t, storage, "bulk-v1", "/app/Tibia.spr")

	activator := NewActivator(storage, registry, nil, newTestLogger().WithField("component", "test"))
	report, err := activator.Activate(context.Background())
	if err != nil {
		t.Fatalf("activate error: %v", err)
	}
	if len(report.Deleted) != 2 {
		t.Fatalf("expected both stale caches deleted, got %+v", report)
	}
	names, _ := storage.Keys(context.Background())
	if len(names) != 0 {
		t.Fatalf("activation must not create caches, got %v", names)
	}
}

func TestActivatorKeepsRegisteredCaches(t *testing.T) {
	registry, _ := NewRegistry(testSpecs())
	storage := cache.NewMemoryStore()
	seedCache(t, storage, "main-v1", "/app/")
	seedCache(t, storage, "main-v2", "/app/")
	seedCache(t, storage, "bulk-v2", "/app/Tibia.spr")
	seedCache(t, storage, "unrelated")

	activator := NewActivator(storage, registry, nil, newTestLogger().WithField("component", "test"))
	if _, err := activator.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	names, _ := storage.Keys(context.Background())
	if got := strings.Join(names, ","); got != "main-v2,bulk-v2" {
		t.Fatalf("expected only registry caches, got %s", got)
	}
	if !hasEntry(t, storage, "main-v2", "/app/") {
		t.Fatalf("kept cache content must survive activation")
	}
}

func TestActivatorToleratesEmptyStorage(t *testing.T) {
	registry, _ := NewRegistry(testSpecs())
	activator := NewActivator(cache.NewMemoryStore(), registry, nil, newTestLogger().WithField("component", "test"))
	report, err := activator.Activate(context.Background())
	if err != nil {
		t.Fatalf("first activation should not fail: %v", err)
	}
	if len(report.Deleted) != 0 || len(report.Kept) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestWorkerActivateClaimsPages(t *testing.T) {
	env := newTestEnv(t, testSpecs())
	page, _ := env.hub.Register("page")
	seedCache(t, env.storage, "main-v1", "/app/")

	if _, err := env.worker.Install(context.Background(), ""); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if page.Controlled() {
		t.Fatalf("page should not be controlled before activation")
	}
	report, err := env.worker.Activate(context.Background())
	if err != nil {
		t.Fatalf("activate error: %v", err)
	}
	if report.Claimed != 1 || !page.Controlled() {
		t.Fatalf("expected page claimed, report %+v", report)
	}
	if ok, _ := env.storage.Has(context.Background(), "main-v1"); ok {
		t.Fatalf("stale cache survived activation")
	}
	if env.worker.State() != StateActivated {
		t.Fatalf("expected activated, got %s", env.worker.State())
	}
}
