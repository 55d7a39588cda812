package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

type fakeLifecycle struct {
	mu          sync.Mutex
	installErr  error
	activateErr error
	messageErr  error
	state       worker.State
	installedBy string
	messages    []worker.InboundMessage
	senders     []string
}

func (f *fakeLifecycle) Install(_ context.Context, clientID string) (worker.InstallReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installedBy = clientID
	if f.installErr != nil {
		return worker.InstallReport{}, f.installErr
	}
	f.state = worker.StateInstalled
	return worker.InstallReport{Created: []string{"main-v2"}, Stored: 3}, nil
}

func (f *fakeLifecycle) Activate(context.Context) (worker.ActivateReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return worker.ActivateReport{}, f.activateErr
	}
	f.state = worker.StateActivated
	return worker.ActivateReport{Deleted: []string{"main-v1"}, Claimed: 2}, nil
}

func (f *fakeLifecycle) Message(_ context.Context, clientID string, msg worker.InboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	f.senders = append(f.senders, clientID)
	return f.messageErr
}

func (f *fakeLifecycle) Status() worker.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.state
	if state == "" {
		state = worker.StateParsed
	}
	return worker.Status{State: state, Progress: worker.Progress{Loaded: 1, Total: 4}}
}

func TestLifecycleInstallAndActivate(t *testing.T) {
	app := newRoutesApp(t)
	lifecycle := &fakeLifecycle{}
	RegisterLifecycleRoutes(app, lifecycle)

	req := httptest.NewRequest("POST", "http://offline.local/-/lifecycle/install", nil)
	req.Header.Set(server.HeaderClientID, "page-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var installed struct {
		State   string               `json:"state"`
		Install worker.InstallReport `json:"install"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&installed); err != nil {
		t.Fatalf("decode install: %v", err)
	}
	if installed.State != "installed" || installed.Install.Stored != 3 {
		t.Fatalf("unexpected install payload %+v", installed)
	}
	if lifecycle.installedBy != "page-1" {
		t.Fatalf("install should be attributed to the calling page, got %q", lifecycle.installedBy)
	}

	resp, err = app.Test(httptest.NewRequest("POST", "http://offline.local/-/lifecycle/activate", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !bytes.Contains(body, []byte(`"activated"`)) {
		t.Fatalf("unexpected activate response %d %s", resp.StatusCode, body)
	}
}

func TestLifecycleErrorsMapToStatusCodes(t *testing.T) {
	cases := map[string]struct {
		lifecycle *fakeLifecycle
		path      string
		status    int
		code      string
	}{
		"install in progress": {
			lifecycle: &fakeLifecycle{installErr: worker.ErrInstallInProgress},
			path:      "/-/lifecycle/install",
			status:    fiber.StatusConflict,
			code:      "install_in_progress",
		},
		"install failed": {
			lifecycle: &fakeLifecycle{installErr: &worker.FetchError{URL: "/app/", Status: 500}},
			path:      "/-/lifecycle/install",
			status:    fiber.StatusBadGateway,
			code:      "install_failed",
		},
		"redundant": {
			lifecycle: &fakeLifecycle{activateErr: worker.ErrRedundant},
			path:      "/-/lifecycle/activate",
			status:    fiber.StatusConflict,
			code:      "worker_redundant",
		},
		"not installed": {
			lifecycle: &fakeLifecycle{activateErr: worker.ErrNotInstalled},
			path:      "/-/lifecycle/activate",
			status:    fiber.StatusConflict,
			code:      "not_installed",
		},
		"storage": {
			lifecycle: &fakeLifecycle{activateErr: errors.New("disk full")},
			path:      "/-/lifecycle/activate",
			status:    fiber.StatusInternalServerError,
			code:      "lifecycle_failed",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			app := newRoutesApp(t)
			RegisterLifecycleRoutes(app, tc.lifecycle)

			resp, err := app.Test(httptest.NewRequest("POST", "http://offline.local"+tc.path, nil))
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			var payload map[string]any
			_ = json.NewDecoder(resp.Body).Decode(&payload)
			if payload["error"] != tc.code {
				t.Fatalf("expected error %s, got %v", tc.code, payload)
			}
		})
	}
}

func TestMessageRouteDeliversToWorker(t *testing.T) {
	app := newRoutesApp(t)
	lifecycle := &fakeLifecycle{}
	RegisterLifecycleRoutes(app, lifecycle)

	req := httptest.NewRequest("POST", "http://offline.local/-/message?client=page-2", bytes.NewBufferString(`{"type":"progress"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(lifecycle.messages) != 1 || lifecycle.messages[0].Type != worker.MessageProgress {
		t.Fatalf("message not delivered: %+v", lifecycle.messages)
	}
	if lifecycle.senders[0] != "page-2" {
		t.Fatalf("sender should come from query, got %q", lifecycle.senders[0])
	}
}

func TestMessageRouteRejectsInvalidPayload(t *testing.T) {
	app := newRoutesApp(t)
	lifecycle := &fakeLifecycle{}
	RegisterLifecycleRoutes(app, lifecycle)

	for _, body := range []string{"not json", `{}`, `{"type":"  "}`} {
		resp, err := app.Test(httptest.NewRequest("POST", "http://offline.local/-/message", bytes.NewBufferString(body)))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if len(lifecycle.messages) != 0 {
		t.Fatalf("invalid payloads must not reach the worker")
	}
}

func TestMessageRouteUnknownClient(t *testing.T) {
	app := newRoutesApp(t)
	RegisterLifecycleRoutes(app, &fakeLifecycle{messageErr: clients.ErrClientNotFound})

	resp, err := app.Test(httptest.NewRequest("POST", "http://offline.local/-/message", bytes.NewBufferString(`{"type":"progress"}`)))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusRoute(t *testing.T) {
	app := newRoutesApp(t)
	RegisterLifecycleRoutes(app, &fakeLifecycle{})

	resp, err := app.Test(httptest.NewRequest("GET", "http://offline.local/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var status worker.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != worker.StateParsed || status.Progress.Total != 4 {
		t.Fatalf("unexpected status %+v", status)
	}
}
