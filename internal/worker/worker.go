package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
)

// State 是 worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// 页面发来的消息类型。
const (
	MessageProgress    = "progress"
	MessageSkipWaiting = "skip-waiting"
)

// InboundMessage 是页面通过 message 事件发送的内容。
type InboundMessage struct {
	Type string `json:"type"`
}

// Options 汇总构建 Worker 所需的依赖。
type Options struct {
	Storage            cache.Storage
	Registry           *Registry
	Fetcher            Fetcher
	Pages              Pages
	Logger             *logrus.Logger
	InstallConcurrency int
	ShareTargetPath    string
	Router             RouterOptions
}

// OptionsFromConfig 根据全局配置填充分类规则与并发参数，依赖由调用方注入。
func OptionsFromConfig(cfg *config.Config, storage cache.Storage, registry *Registry, fetcher Fetcher, pages Pages, logger *logrus.Logger) Options {
	return Options{
		Storage:            storage,
		Registry:           registry,
		Fetcher:            fetcher,
		Pages:              pages,
		Logger:             logger,
		InstallConcurrency: cfg.Global.InstallConcurrency,
		ShareTargetPath:    cfg.Global.ShareTargetPath,
		Router: RouterOptions{
			BulkSuffixes:    cfg.Global.BulkSuffixes,
			BulkPrefixes:    cfg.Global.BulkPrefixes,
			InternalSchemes: cfg.Global.InternalSchemes,
		},
	}
}

// Status 是 /-/status 输出的生命周期快照。
type Status struct {
	State        State           `json:"state"`
	SkipWaiting  bool            `json:"skip_waiting"`
	Progress     Progress        `json:"progress"`
	Caches       []CacheSpec     `json:"caches"`
	Writes       WriteStats      `json:"writes"`
	LastInstall  *InstallReport  `json:"last_install,omitempty"`
	LastActivate *ActivateReport `json:"last_activate,omitempty"`
	InstallError string          `json:"install_error,omitempty"`
}

// Worker 串联 install → activate → fetch 生命周期。
type Worker struct {
	registry  *Registry
	progress  *ProgressTracker
	installer *Installer
	activator *Activator
	router    *StoreRouter
	resolver  *Resolver
	logger    *logrus.Entry

	mu           sync.Mutex
	state        State
	skipWaiting  bool
	lastInstall  *InstallReport
	lastActivate *ActivateReport
	installErr   error
}

func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("cache registry is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := logging.Component(opts.Logger, "worker")

	progress := NewProgressTracker(opts.Pages, logger)
	router := NewStoreRouter(opts.Storage, opts.Registry, opts.Fetcher, opts.Router, logger)
	share := NewShareHandler(opts.Pages, logger)

	return &Worker{
		registry:  opts.Registry,
		progress:  progress,
		installer: NewInstaller(opts.Storage, opts.Registry, opts.Fetcher, progress, opts.InstallConcurrency, logger),
		activator: NewActivator(opts.Storage, opts.Registry, opts.Pages, logger),
		router:    router,
		resolver:  NewResolver(opts.Storage, router, share, opts.ShareTargetPath, logger),
		logger:    logger,
		state:     StateParsed,
	}, nil
}

// Install 执行预取。成功后记录 skip-waiting，worker 可立即激活；失败则进入
// redundant，允许之后重新安装。已安装的 worker 重复调用直接返回上次结果。
func (w *Worker) Install(ctx context.Context, clientID string) (InstallReport, error) {
	w.mu.Lock()
	switch w.state {
	case StateInstalling:
		w.mu.Unlock()
		return InstallReport{}, ErrInstallInProgress
	case StateInstalled, StateActivating, StateActivated:
		report := *w.lastInstall
		w.mu.Unlock()
		return report, nil
	}
	w.progress.Reset()
	w.setStateLocked(StateInstalling)
	w.mu.Unlock()

	report, err := w.installer.Install(ctx, clientID)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastInstall = &report
	if err != nil {
		w.installErr = err
		w.setStateLocked(StateRedundant)
		w.logger.WithFields(logging.LifecycleFields("install", string(w.state))).
			WithError(err).Error("install failed")
		return report, err
	}
	w.installErr = nil
	w.skipWaiting = true
	w.setStateLocked(StateInstalled)
	return report, nil
}

// Activate 清理过期缓存并接管页面。失败时回到 installed 以便重试。
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	w.mu.Lock()
	switch w.state {
	case StateActivated:
		report := *w.lastActivate
		w.mu.Unlock()
		return report, nil
	case StateRedundant:
		w.mu.Unlock()
		return ActivateReport{}, ErrRedundant
	case StateInstalled:
	default:
		state := w.state
		w.mu.Unlock()
		return ActivateReport{}, fmt.Errorf("%w: state %s", ErrNotInstalled, state)
	}
	w.setStateLocked(StateActivating)
	w.mu.Unlock()

	report, err := w.activator.Activate(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.setStateLocked(StateInstalled)
		w.logger.WithFields(logging.LifecycleFields("activate", string(w.state))).
			WithError(err).Error("activate failed")
		return report, err
	}
	w.lastActivate = &report
	w.setStateLocked(StateActivated)
	return report, nil
}

// Fetch 处理一次被拦截的请求。未激活的 worker 不控制页面，请求直接走网络且不写缓存。
func (w *Worker) Fetch(ctx context.Context, req Request) (resp *Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			fields := logging.RequestFields(req.method(), req.URL, "", false)
			fields["action"] = "fetch"
			w.logger.WithFields(fields).Errorf("fetch panic: %v", rec)
			resp, err = nil, fmt.Errorf("fetch %s: panic: %v", req.URL, rec)
		}
	}()

	if w.State() != StateActivated {
		return w.router.Passthrough(ctx, req)
	}
	return w.resolver.Resolve(ctx, req)
}

// Message 处理页面发来的消息；未知类型只记录日志。
func (w *Worker) Message(ctx context.Context, clientID string, msg InboundMessage) error {
	fields := logrus.Fields{
		"action":    "message",
		"client_id": clientID,
		"type":      msg.Type,
	}
	switch msg.Type {
	case MessageProgress:
		return w.progress.Report(ctx, clientID)
	case MessageSkipWaiting:
		if w.State() != StateInstalled {
			w.logger.WithFields(fields).Debug("skip-waiting ignored")
			return nil
		}
		_, err := w.Activate(ctx)
		return err
	default:
		w.logger.WithFields(fields).Warn("unknown message type ignored")
		return nil
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) Registry() *Registry {
	return w.registry
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	status := Status{
		State:       w.state,
		SkipWaiting: w.skipWaiting,
	}
	if w.lastInstall != nil {
		report := *w.lastInstall
		status.LastInstall = &report
	}
	if w.lastActivate != nil {
		report := *w.lastActivate
		status.LastActivate = &report
	}
	if w.installErr != nil {
		status.InstallError = w.installErr.Error()
	}
	w.mu.Unlock()

	status.Progress = w.progress.Snapshot()
	status.Caches = w.registry.Specs()
	status.Writes = w.router.Stats()
	return status
}

// Drain 等待后台缓存写入完成，用于停机与测试。
func (w *Worker) Drain() {
	w.router.Drain()
}

func (w *Worker) setStateLocked(state State) {
	if w.state == state {
		return
	}
	w.logger.WithFields(logging.LifecycleFields("state_change", string(state))).
		WithField("from", string(w.state)).Info("worker state changed")
	w.state = state
}
