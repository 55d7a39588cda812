package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// ActivateReport 汇总激活阶段的清理结果。
type ActivateReport struct {
	Deleted []string `json:"deleted"`
	Kept    []string `json:"kept"`
	Claimed int      `json:"claimed"`
}

// Activator 删除不在 Registry 中的缓存，然后接管所有已打开页面。
type Activator struct {
	storage  cache.Storage
	registry *Registry
	pages    Pages
	logger   *logrus.Entry
}

func NewActivator(storage cache.Storage, registry *Registry, pages Pages, logger *logrus.Entry) *Activator {
	return &Activator{storage: storage, registry: registry, pages: pages, logger: logger}
}

// Activate 不创建任何缓存；删除失败时直接返回错误，由调用方重试。
func (a *Activator) Activate(ctx context.Context) (ActivateReport, error) {
	var report ActivateReport

	names, err := a.storage.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list caches: %w", err)
	}

	var mu sync.Mutex
	p := pool.New().WithContext(ctx)
	for _, name := range names {
		if a.registry.Contains(name) {
			report.Kept = append(report.Kept, name)
			continue
		}
		p.Go(func(ctx context.Context) error {
			if _, err := a.storage.Delete(ctx, name); err != nil {
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			mu.Lock()
			report.Deleted = append(report.Deleted, name)
			mu.Unlock()
			a.logger.WithFields(logrus.Fields{
				"action": "activate_prune",
				"cache":  name,
			}).Info("stale cache deleted")
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return report, err
	}

	if a.pages != nil {
		report.Claimed = a.pages.Claim()
	}
	a.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"deleted": report.Deleted,
		"kept":    report.Kept,
		"claimed": report.Claimed,
	}).Info("activation completed")
	return report, nil
}
