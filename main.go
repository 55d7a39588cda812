package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/server/routes"
	"github.com/offline-hub/offline-hub/internal/version"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["caches"] = cfg.CacheNames()
		fields["prefetch"] = cfg.PrefetchCount()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存存储 → 页面 Hub → 回源 Fetcher → Worker，
	// 先完成 install/activate，再开始监听，保证首个请求就能命中离线缓存。
	rt, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}
	defer rt.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["caches"] = cfg.CacheNames()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["upstream"] = cfg.Global.Upstream
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if _, err := rt.worker.Install(ctx, ""); err != nil {
		fmt.Fprintf(stdErr, "离线缓存安装失败: %v\n", err)
		return 1
	}
	if _, err := rt.worker.Activate(ctx); err != nil {
		fmt.Fprintf(stdErr, "离线缓存激活失败: %v\n", err)
		return 1
	}

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// services 持有进程级共享实例。
type services struct {
	storage cache.Storage
	hub     *clients.Hub
	worker  *worker.Worker
}

func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	registry, err := worker.RegistryFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建缓存注册表失败: %w", err)
	}

	storage, err := newStorage(cfg, registry)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	fetcher, err := server.NewUpstreamFetcher(cfg, server.NewUpstreamClient(cfg))
	if err != nil {
		return nil, fmt.Errorf("初始化回源客户端失败: %w", err)
	}

	hub := clients.NewHub(cfg.Global.ClientQueueSize, logger)
	w, err := worker.New(worker.OptionsFromConfig(cfg, storage, registry, fetcher, hub, logger))
	if err != nil {
		hub.Close()
		return nil, err
	}
	return &services{storage: storage, hub: hub, worker: w}, nil
}

// close 断开所有页面并等待后台缓存写入完成。
func (rt *services) close() {
	rt.hub.Close()
	rt.worker.Drain()
}

func newStorage(cfg *config.Config, registry *worker.Registry) (cache.Storage, error) {
	if cfg.Global.StorageDriver == config.StorageDriverMemory {
		return cache.NewMemoryStore(), nil
	}
	opts := cache.DiskOptions{}
	if cfg.Global.CompressBulk {
		if bulk, ok := registry.Bulk(); ok {
			opts.CompressCaches = []string{bulk.Name}
		}
	}
	return cache.NewStore(cfg.Global.StoragePath, opts)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func newHTTPApp(cfg *config.Config, rt *services, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Fetcher:    rt.worker,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterLifecycleRoutes(app, rt.worker)
	routes.RegisterCacheRoutes(app, rt.storage, rt.worker.Registry())
	routes.RegisterClientRoutes(app, rt.hub, routes.DefaultHeartbeat)
	return app, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *services, logger *logrus.Logger) error {
	app, err := newHTTPApp(cfg, rt, logger)
	if err != nil {
		return err
	}

	// 收到退出信号时先断开 SSE 页面，否则优雅关闭会一直等待长连接。
	go func() {
		<-ctx.Done()
		rt.hub.Close()
	}()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
	})
}
