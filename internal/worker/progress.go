package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/clients"
)

// Progress 是一次 worker 生命周期内的安装进度，不做持久化。
type Progress struct {
	Loaded int `json:"loaded"`
	Total  int `json:"total"`
}

// ProgressTracker 持有进度状态并负责向页面推送 {loaded, total}。
type ProgressTracker struct {
	pages  Pages
	logger *logrus.Entry

	mu    sync.Mutex
	state Progress
}

func NewProgressTracker(pages Pages, logger *logrus.Entry) *ProgressTracker {
	return &ProgressTracker{pages: pages, logger: logger}
}

// Reset 清空进度，每次安装尝试从 {0, 0} 开始计数。
func (p *ProgressTracker) Reset() {
	p.mu.Lock()
	p.state = Progress{}
	p.mu.Unlock()
}

// AddTotal 在新建缓存时累加待安装资源数量。
func (p *ProgressTracker) AddTotal(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.state.Total += n
	p.mu.Unlock()
}

// Advance 记录一个已存储的资源并推送进度：先定向发给发起安装的页面，再广播给
// 所有页面（包括未受控页面）。
func (p *ProgressTracker) Advance(ctx context.Context, clientID string) Progress {
	p.mu.Lock()
	p.state.Loaded++
	snapshot := p.state
	p.mu.Unlock()

	p.publish(ctx, clientID, snapshot)
	return snapshot
}

func (p *ProgressTracker) Snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Report 仅向指定页面发送当前快照，用于响应页面主动查询进度。
func (p *ProgressTracker) Report(ctx context.Context, clientID string) error {
	if p.pages == nil || clientID == "" {
		return nil
	}
	snapshot := p.Snapshot()
	if err := p.pages.Post(clientID, snapshot); err != nil {
		p.logTargetFailure(clientID, err)
		return err
	}
	return nil
}

func (p *ProgressTracker) publish(ctx context.Context, clientID string, snapshot Progress) {
	if p.pages == nil || ctx.Err() != nil {
		return
	}
	if clientID != "" {
		if err := p.pages.Post(clientID, snapshot); err != nil {
			p.logTargetFailure(clientID, err)
		}
	}
	if _, err := p.pages.Broadcast(snapshot, true); err != nil {
		p.logger.WithFields(logrus.Fields{
			"action": "progress_broadcast",
			"loaded": snapshot.Loaded,
			"total":  snapshot.Total,
		}).WithError(err).Warn("progress broadcast incomplete")
	}
}

func (p *ProgressTracker) logTargetFailure(clientID string, err error) {
	entry := p.logger.WithFields(logrus.Fields{
		"action":    "progress_notify",
		"client_id": clientID,
	})
	if errors.Is(err, clients.ErrClientNotFound) {
		entry.Warn("progress target client not found")
		return
	}
	entry.WithError(err).Warn("progress notify failed")
}
