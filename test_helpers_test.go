package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
)

// cliOutput 收集 run 写出的 stdout/stderr。
type cliOutput struct {
	out bytes.Buffer
	err bytes.Buffer
}

// captureOutput 在测试期间把 stdOut/stdErr 换成内存缓冲，结束后恢复。
func captureOutput(t *testing.T) *cliOutput {
	t.Helper()
	captured := &cliOutput{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &captured.out, &captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 返回 internal/config/testdata 下的配置；go test 以包目录为工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("无法定位配置样例目录: %v", err)
	}
	return path
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// newOrigin 启动一个固定状态码的源站，返回命中计数。
func newOrigin(t *testing.T, status int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte("origin:" + r.URL.Path))
	}))
	t.Cleanup(origin.Close)
	return origin, &hits
}

// flowConfig 写出内存驱动的完整配置：带 %MAIN% 模板的主缓存加一个 bulk 缓存，共 3 个预取 URL。
func flowConfig(t *testing.T, upstream string) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
StorageDriver = "memory"
ListenPort = 5000
Upstream = "%s"

[Keys]
MAIN = "main-v3"

[[Cache]]
Name = "%%MAIN%%"
URLs = ["/app/", "/app/main.wasm"]

[[Cache]]
Name = "bulk-v1"
Role = "bulk"
URLs = ["/app/Tibia.spr"]
`, upstream))
}

// flowServices 按 flowConfig 装配进程级服务，测试结束时关闭。
func flowServices(t *testing.T, upstream string) (*config.Config, *services) {
	t.Helper()
	cfg, err := config.Load(flowConfig(t, upstream))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	rt, err := buildServices(cfg, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	t.Cleanup(rt.close)
	return cfg, rt
}
