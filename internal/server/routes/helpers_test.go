package routes

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newRoutesApp 构建与生产一致的 app：诊断路由注册在 catch-all 之后。
func newRoutesApp(t *testing.T) *fiber.App {
	t.Helper()
	fetcher := server.FetchHandlerFunc(func(context.Context, worker.Request) (*worker.Response, error) {
		return &worker.Response{Status: http.StatusTeapot, Source: worker.SourceNetwork}, nil
	})
	app, err := server.NewApp(server.AppOptions{
		Logger:     newTestLogger(),
		Fetcher:    fetcher,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

func testRegistry(t *testing.T) *worker.Registry {
	t.Helper()
	registry, err := worker.NewRegistry([]worker.CacheSpec{
		{Name: "main-v2", Role: worker.RoleMain, URLs: []string{"/app/"}},
		{Name: "bulk-v2", Role: worker.RoleBulk, URLs: []string{"/app/Tibia.spr"}},
	})
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	return registry
}
