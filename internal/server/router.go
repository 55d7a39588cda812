package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// FetchHandler resolves intercepted page requests. worker.Worker implements it;
// tests inject fakes.
type FetchHandler interface {
	Fetch(ctx context.Context, req worker.Request) (*worker.Response, error)
}

// FetchHandlerFunc adapts a function to the FetchHandler interface.
type FetchHandlerFunc func(ctx context.Context, req worker.Request) (*worker.Response, error)

// Fetch makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) Fetch(ctx context.Context, req worker.Request) (*worker.Response, error) {
	return f(ctx, req)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Fetcher    FetchHandler
	ListenPort int
}

const (
	contextKeyRequestID = "_offlinehub_request_id"
	contextKeyClientID  = "_offlinehub_client_id"

	headerSource = "X-Offline-Hub-Source"
	headerCache  = "X-Offline-Hub-Cache"
)

// HeaderClientID 标识发起请求的页面，与 SSE hello 事件中的 id 对应。
const HeaderClientID = "X-Client-ID"

// NewApp builds a Fiber application whose catch-all route hands every
// non-diagnostics request to the fetch handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetch handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return handleFetch(c, opts)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并记录发起请求的页面 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if clientID := strings.TrimSpace(c.Get(HeaderClientID)); clientID != "" {
			c.Locals(contextKeyClientID, clientID)
		}
		return c.Next()
	}
}

func handleFetch(c fiber.Ctx, opts AppOptions) error {
	started := time.Now()
	req := worker.Request{
		Method:   c.Method(),
		URL:      string(c.Request().URI().RequestURI()),
		Header:   fiberHeadersAsHTTP(c),
		Body:     append([]byte(nil), c.Body()...),
		ClientID: ClientID(c),
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		logFetch(opts.Logger, c, req, nil, started, err)
		return renderFetchError(c, err)
	}
	logFetch(opts.Logger, c, req, resp, started, nil)
	return writeResponse(c, resp)
}

func writeResponse(c fiber.Ctx, resp *worker.Response) error {
	for key, values := range resp.Header {
		if isHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(headerSource, string(resp.Source))
	if resp.Cache != "" {
		c.Set(headerCache, resp.Cache)
	}

	status := resp.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	c.Status(status)
	if len(resp.Body) == 0 {
		return nil
	}
	return c.Send(resp.Body)
}

func renderFetchError(c fiber.Ctx, err error) error {
	var fetchErr *worker.FetchError
	if errors.As(err, &fetchErr) {
		payload := fiber.Map{"error": "upstream_failed"}
		if fetchErr.Status != 0 {
			payload["upstream_status"] = fetchErr.Status
		}
		return c.Status(fiber.StatusBadGateway).JSON(payload)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "fetch_failed"})
}

func logFetch(logger *logrus.Logger, c fiber.Ctx, req worker.Request, resp *worker.Response, started time.Time, err error) {
	cacheName := ""
	hit := false
	if resp != nil {
		cacheName = resp.Cache
		hit = resp.Source == worker.SourceCache
	}
	fields := logging.RequestFields(req.Method, req.URL, cacheName, hit)
	fields["action"] = "fetch"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if reqID := RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	if req.ClientID != "" {
		fields["client_id"] = req.ClientID
	}
	if resp != nil {
		fields["status"] = resp.Status
		fields["source"] = string(resp.Source)
	}

	entry := logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("fetch failed")
		return
	}
	entry.Info("fetch completed")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID returns the page identifier sent in X-Client-ID, if any.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if clientID, ok := value.(string); ok {
			return clientID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
