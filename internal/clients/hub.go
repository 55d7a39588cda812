package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultQueueSize = 32

var (
	// ErrClientNotFound 表示目标页面不存在或已断开。
	ErrClientNotFound = errors.New("client not found")
	// ErrQueueFull 表示页面的消息队列已满，消息被丢弃。
	ErrQueueFull = errors.New("client message queue full")
	// ErrHubClosed 表示 Hub 已关闭，不再接受新页面。
	ErrHubClosed = errors.New("client hub closed")
)

// Client 表示一个通过事件流连接的页面。
type Client struct {
	id          string
	connectedAt time.Time
	controlled  atomic.Bool
	queue       chan []byte
}

// ID returns the identifier pages use in X-Client-ID.
func (c *Client) ID() string {
	return c.id
}

// Controlled reports whether the activated worker has claimed this page.
func (c *Client) Controlled() bool {
	return c.controlled.Load()
}

// ConnectedAt returns when the page opened its event stream.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// Messages 返回页面的消息队列；Hub 注销页面时关闭该通道。
func (c *Client) Messages() <-chan []byte {
	return c.queue
}

// Hub 维护所有打开的页面，并负责定向消息与广播。
type Hub struct {
	logger    *logrus.Logger
	queueSize int

	mu      sync.RWMutex
	clients map[string]*Client
	order   []string
	claimed bool
	closed  bool
}

// NewHub 创建页面注册表；queueSize <= 0 时使用默认队列长度。
func NewHub(queueSize int, logger *logrus.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		clients:   make(map[string]*Client),
	}
}

// Register 登记新页面。id 为空或已被在线页面占用时分配新的 UUID，
// 调用方以返回的 Client.ID() 为准，已连接页面不会被顶替。
// Claim 之后连接的页面直接处于受控状态。
func (h *Hub) Register(id string) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	requested := id
	if _, taken := h.clients[id]; id == "" || taken {
		id = uuid.NewString()
	}
	client := &Client{
		id:          id,
		connectedAt: time.Now().UTC(),
		queue:       make(chan []byte, h.queueSize),
	}
	client.controlled.Store(h.claimed)
	h.clients[id] = client
	h.order = append(h.order, id)

	h.logger.WithFields(logrus.Fields{
		"action":       "client_register",
		"client_id":    id,
		"requested_id": requested,
		"controlled":   h.claimed,
	}).Debug("client connected")
	return client, nil
}

// Unregister 移除页面；只删除与传入实例相同的登记。
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.clients[client.id]
	if !ok || current != client {
		return
	}
	delete(h.clients, client.id)
	h.removeOrder(client.id)
	close(client.queue)

	h.logger.WithFields(logrus.Fields{
		"action":    "client_unregister",
		"client_id": client.id,
	}).Debug("client disconnected")
}

// Claim 将所有已打开页面标记为受控，并让之后连接的页面默认受控。
func (h *Hub) Claim() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.claimed = true
	for _, client := range h.clients {
		client.controlled.Store(true)
	}
	return len(h.clients)
}

// Claimed reports whether Claim has been called.
func (h *Hub) Claimed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.claimed
}

// MatchAll 按连接顺序返回页面列表。
func (h *Hub) MatchAll(includeUncontrolled bool) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]*Client, 0, len(h.order))
	for _, id := range h.order {
		client := h.clients[id]
		if client == nil {
			continue
		}
		if !includeUncontrolled && !client.Controlled() {
			continue
		}
		result = append(result, client)
	}
	return result
}

func (h *Hub) Get(id string) (*Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	return client, nil
}

// Post 向单个页面投递消息，不等待页面处理。
func (h *Hub) Post(id string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode client message: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	return enqueue(client, payload)
}

// Broadcast 向所有页面投递同一条消息，返回成功入队的页面数量。
// 队列已满的页面会被跳过，错误汇总后返回。
func (h *Hub) Broadcast(msg any, includeUncontrolled bool) (int, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode client message: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var (
		delivered int
		errs      []error
	)
	for _, id := range h.order {
		client := h.clients[id]
		if client == nil {
			continue
		}
		if !includeUncontrolled && !client.Controlled() {
			continue
		}
		if err := enqueue(client, payload); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Close 断开所有页面，事件流随队列关闭而结束。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, client := range h.clients {
		close(client.queue)
		delete(h.clients, id)
	}
	h.order = nil
}

// Len returns the number of connected pages.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// enqueue 必须在持有读锁时调用，保证队列不会同时被关闭。
func enqueue(client *Client, payload []byte) error {
	select {
	case client.queue <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, client.id)
	}
}

func (h *Hub) removeOrder(id string) {
	for i, existing := range h.order {
		if existing == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}
