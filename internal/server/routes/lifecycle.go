package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// Lifecycle 是诊断接口驱动的 worker 能力，*worker.Worker 实现它。
type Lifecycle interface {
	Install(ctx context.Context, clientID string) (worker.InstallReport, error)
	Activate(ctx context.Context) (worker.ActivateReport, error)
	Message(ctx context.Context, clientID string, msg worker.InboundMessage) error
	Status() worker.Status
}

// RegisterLifecycleRoutes 暴露 install/activate/message/status 接口。
func RegisterLifecycleRoutes(app *fiber.App, lifecycle Lifecycle) {
	if app == nil || lifecycle == nil {
		return
	}

	app.Post("/-/lifecycle/install", func(c fiber.Ctx) error {
		report, err := lifecycle.Install(c.Context(), server.ClientID(c))
		if err != nil {
			return renderLifecycleError(c, err)
		}
		return c.JSON(fiber.Map{"state": lifecycle.Status().State, "install": report})
	})

	app.Post("/-/lifecycle/activate", func(c fiber.Ctx) error {
		report, err := lifecycle.Activate(c.Context())
		if err != nil {
			return renderLifecycleError(c, err)
		}
		return c.JSON(fiber.Map{"state": lifecycle.Status().State, "activate": report})
	})

	app.Post("/-/message", func(c fiber.Ctx) error {
		var msg worker.InboundMessage
		if err := json.Unmarshal(c.Body(), &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		clientID := server.ClientID(c)
		if clientID == "" {
			clientID = strings.TrimSpace(c.Query("client"))
		}
		if err := lifecycle.Message(c.Context(), clientID, msg); err != nil {
			return renderLifecycleError(c, err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(lifecycle.Status())
	})
}

func renderLifecycleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, worker.ErrInstallInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "install_in_progress"})
	case errors.Is(err, worker.ErrRedundant):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "worker_redundant"})
	case errors.Is(err, worker.ErrNotInstalled):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_installed"})
	case errors.Is(err, clients.ErrClientNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
	case worker.IsFetchError(err):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "install_failed", "detail": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lifecycle_failed", "detail": err.Error()})
	}
}
