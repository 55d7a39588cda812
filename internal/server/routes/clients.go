package routes

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/server"
)

// DefaultHeartbeat 是 SSE 连接的保活间隔。
const DefaultHeartbeat = 15 * time.Second

// ClientRegistry 是 SSE 接口需要的页面注册能力，*clients.Hub 实现它。
type ClientRegistry interface {
	Register(id string) (*clients.Client, error)
	Unregister(client *clients.Client)
	MatchAll(includeUncontrolled bool) []*clients.Client
}

// RegisterClientRoutes 暴露页面消息通道：GET /-/clients/events 为 SSE 流，
// GET /-/clients 列出当前连接的页面。
func RegisterClientRoutes(app *fiber.App, registry ClientRegistry, heartbeat time.Duration) {
	if app == nil || registry == nil {
		return
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	app.Get("/-/clients/events", func(c fiber.Ctx) error {
		id := server.ClientID(c)
		if id == "" {
			id = strings.TrimSpace(c.Query("id"))
		}
		client, err := registry.Register(id)
		if errors.Is(err, clients.ErrHubClosed) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "hub_closed"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "register_failed"})
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")
		c.Set(server.HeaderClientID, client.ID())

		c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer registry.Unregister(client)
			streamEvents(w, client, heartbeat)
		})
		return nil
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		pages := registry.MatchAll(true)
		payload := make([]clientPayload, 0, len(pages))
		for _, page := range pages {
			payload = append(payload, clientPayload{
				ID:          page.ID(),
				Controlled:  page.Controlled(),
				ConnectedAt: page.ConnectedAt(),
			})
		}
		return c.JSON(fiber.Map{"clients": payload})
	})
}

type clientPayload struct {
	ID          string    `json:"id"`
	Controlled  bool      `json:"controlled"`
	ConnectedAt time.Time `json:"connected_at"`
}

// streamEvents 先发送 hello 事件告知页面 ID，然后转发队列中的消息，直到队列关闭
// 或写入失败（页面断开）。
func streamEvents(w *bufio.Writer, client *clients.Client, heartbeat time.Duration) {
	if err := writeEvent(w, "hello", fmt.Sprintf(`{"id":%q}`, client.ID())); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	messages := client.Messages()
	for {
		select {
		case payload, ok := <-messages:
			if !ok {
				return
			}
			if err := writeEvent(w, "message", string(payload)); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, event, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
