package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/offline-hub/offline-hub/internal/cache"
)

const defaultInstallConcurrency = 8

// InstallReport 汇总一次安装的结果。
type InstallReport struct {
	Created  []string      `json:"created"`
	Skipped  []string      `json:"skipped"`
	Stored   int           `json:"stored"`
	Duration time.Duration `json:"duration"`
}

// Installer 为尚不存在的缓存预取并写入全部声明的 URL。
type Installer struct {
	storage     cache.Storage
	registry    *Registry
	fetcher     Fetcher
	progress    *ProgressTracker
	concurrency int
	logger      *logrus.Entry
}

func NewInstaller(storage cache.Storage, registry *Registry, fetcher Fetcher, progress *ProgressTracker, concurrency int, logger *logrus.Entry) *Installer {
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}
	return &Installer{
		storage:     storage,
		registry:    registry,
		fetcher:     fetcher,
		progress:    progress,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Install 并发处理所有缓存声明。已存在的缓存仅做存在性检查后跳过；任一资源失败即
// 取消剩余工作，等待已发出的请求全部结束后返回首个错误。失败时本次新建的缓存会被
// 删除，避免残缺缓存在下次安装时被当作已安装。
func (i *Installer) Install(ctx context.Context, clientID string) (InstallReport, error) {
	started := time.Now()
	var (
		mu     sync.Mutex
		report InstallReport
	)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, spec := range i.registry.Specs() {
		p.Go(func(ctx context.Context) error {
			exists, err := i.storage.Has(ctx, spec.Name)
			if err != nil {
				return fmt.Errorf("check cache %s: %w", spec.Name, err)
			}
			if exists {
				mu.Lock()
				report.Skipped = append(report.Skipped, spec.Name)
				mu.Unlock()
				i.logger.WithFields(logrus.Fields{
					"action": "install_skip",
					"cache":  spec.Name,
				}).Info("cache already present")
				return nil
			}

			named, err := i.storage.Open(ctx, spec.Name)
			if err != nil {
				return fmt.Errorf("open cache %s: %w", spec.Name, err)
			}
			mu.Lock()
			report.Created = append(report.Created, spec.Name)
			mu.Unlock()
			i.progress.AddTotal(len(spec.URLs))

			stored, err := i.populate(ctx, named, spec, clientID)
			mu.Lock()
			report.Stored += stored
			mu.Unlock()
			return err
		})
	}

	err := p.Wait()
	report.Duration = time.Since(started)
	if err != nil {
		i.rollback(ctx, report.Created)
		return report, err
	}

	i.logger.WithFields(logrus.Fields{
		"action":  "install",
		"created": report.Created,
		"skipped": report.Skipped,
		"stored":  report.Stored,
		"elapsed": report.Duration.String(),
	}).Info("install completed")
	return report, nil
}

func (i *Installer) populate(ctx context.Context, named cache.NamedCache, spec CacheSpec, clientID string) (int, error) {
	var (
		mu     sync.Mutex
		stored int
	)
	p := pool.New().WithMaxGoroutines(i.concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, rawURL := range spec.URLs {
		p.Go(func(ctx context.Context) error {
			if err := i.fetchAndPut(ctx, named, rawURL); err != nil {
				return err
			}
			mu.Lock()
			stored++
			mu.Unlock()
			i.progress.Advance(ctx, clientID)
			return nil
		})
	}
	err := p.Wait()
	return stored, err
}

func (i *Installer) fetchAndPut(ctx context.Context, named cache.NamedCache, rawURL string) error {
	req := Request{Method: http.MethodGet, URL: rawURL}
	resp, err := i.fetcher.Fetch(ctx, req)
	if err != nil {
		return &FetchError{URL: rawURL, Err: err}
	}
	if !resp.success() {
		return &FetchError{URL: rawURL, Status: resp.Status}
	}
	if _, err := named.Put(ctx, cache.Request{Method: http.MethodGet, URL: rawURL}, cache.Response{
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
	}); err != nil {
		return fmt.Errorf("store %s in %s: %w", rawURL, named.Name(), err)
	}
	i.logger.WithFields(logrus.Fields{
		"action": "install_store",
		"cache":  named.Name(),
		"url":    rawURL,
		"bytes":  len(resp.Body),
	}).Debug("resource stored")
	return nil
}

func (i *Installer) rollback(ctx context.Context, created []string) {
	cleanup := context.WithoutCancel(ctx)
	for _, name := range created {
		if _, err := i.storage.Delete(cleanup, name); err != nil {
			i.logger.WithFields(logrus.Fields{
				"action": "install_rollback",
				"cache":  name,
			}).WithError(err).Error("failed to remove partial cache")
		}
	}
}
