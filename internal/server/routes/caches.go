package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// RegisterCacheRoutes 暴露 /-/caches 诊断接口，列出缓存及其条目。
func RegisterCacheRoutes(app *fiber.App, storage cache.Storage, registry *worker.Registry) {
	if app == nil || storage == nil || registry == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		payload, err := encodeCaches(c.Context(), storage, registry)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_failed", "detail": err.Error()})
		}
		return c.JSON(fiber.Map{"caches": payload})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		detail, err := encodeCacheDetail(c.Context(), storage, registry, name)
		if errors.Is(err, cache.ErrCacheNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_failed", "detail": err.Error()})
		}
		return c.JSON(detail)
	})
}

type cachePayload struct {
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	Registered bool   `json:"registered"`
	Entries    int    `json:"entries"`
}

type cacheDetailPayload struct {
	cachePayload
	SizeBytes int64          `json:"size_bytes"`
	Items     []*cache.Entry `json:"items"`
}

// encodeCaches 按存储的创建顺序输出，与 Fetch Resolver 的查找顺序一致。
func encodeCaches(ctx context.Context, storage cache.Storage, registry *worker.Registry) ([]cachePayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]cachePayload, 0, len(names))
	for _, name := range names {
		named, err := storage.Get(ctx, name)
		if errors.Is(err, cache.ErrCacheNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys, err := named.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, describeCache(registry, name, len(keys)))
	}
	return result, nil
}

func encodeCacheDetail(ctx context.Context, storage cache.Storage, registry *worker.Registry, name string) (cacheDetailPayload, error) {
	named, err := storage.Get(ctx, name)
	if err != nil {
		return cacheDetailPayload{}, err
	}
	keys, err := named.Keys(ctx)
	if err != nil {
		return cacheDetailPayload{}, err
	}

	detail := cacheDetailPayload{
		cachePayload: describeCache(registry, name, len(keys)),
		Items:        make([]*cache.Entry, 0, len(keys)),
	}
	for _, key := range keys {
		entry, err := named.Match(ctx, cache.Request{URL: key})
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return cacheDetailPayload{}, err
		}
		detail.SizeBytes += entry.SizeBytes
		detail.Items = append(detail.Items, entry)
	}
	return detail, nil
}

func describeCache(registry *worker.Registry, name string, entries int) cachePayload {
	payload := cachePayload{Name: name, Entries: entries}
	for _, spec := range registry.Specs() {
		if spec.Name == name {
			payload.Registered = true
			payload.Role = string(spec.Role)
			break
		}
	}
	return payload
}
