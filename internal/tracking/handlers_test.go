package tracking

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend-fleetroster/internal/auth"

	"github.com/gofiber/fiber/v2"
)

func asUser(id, role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user_id", id)
		c.Locals("role", role)
		c.Locals("claims", &auth.Claims{UserID: id, Role: role, Username: id})
		return c.Next()
	}
}

func newApp(h *harness, mw fiber.Handler) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app.Group("/tracking"), h.svc, mw)
	return app
}

func do(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestTrackingHandlersLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	app := newApp(h, asUser("driver-1", DeliveryRole))

	resp := do(t, app, http.MethodPost, "/tracking/sessions", map[string]any{
		"position": map[string]any{"latitude": 14.5995, "longitude": 120.9842, "accuracy": 8, "timestamp": t0.UnixMilli()},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status: %d", resp.StatusCode)
	}
	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.EntityID != "driver-1" || info.Status != StatusActive {
		t.Fatalf("unexpected session: %+v", info)
	}
	waitFor(t, "initial position", func() bool { return lastSeen(h.store, "driver-1").Equal(t0) })

	resp = do(t, app, http.MethodPost, "/tracking/sessions/"+info.ID+"/samples", map[string]any{
		"coords":    map[string]any{"latitude": 14.6, "longitude": 120.99, "accuracy": 5},
		"timestamp": t0.Add(20 * time.Second).UnixMilli(),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sample status: %d", resp.StatusCode)
	}
	waitFor(t, "second sample", func() bool { return lastSeen(h.store, "driver-1").Equal(t0.Add(20 * time.Second)) })

	resp = do(t, app, http.MethodGet, "/tracking/sessions/"+info.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status: %d", resp.StatusCode)
	}

	h.clock.Set(t0.Add(time.Minute))
	resp = do(t, app, http.MethodDelete, "/tracking/sessions/"+info.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status: %d", resp.StatusCode)
	}
	if e, _ := h.store.Get("driver-1"); e.IsOnline {
		t.Fatalf("entity should be offline after stop")
	}

	resp = do(t, app, http.MethodDelete, "/tracking/sessions/"+info.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found after stop, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersBadRequest(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	app := newApp(h, asUser("driver-1", DeliveryRole))

	resp := do(t, app, http.MethodPost, "/tracking/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start without position should work, got %d", resp.StatusCode)
	}
	var info SessionInfo
	_ = json.NewDecoder(resp.Body).Decode(&info)

	req := httptest.NewRequest(http.MethodPost, "/tracking/sessions/"+info.ID+"/samples", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for broken json, got %d", resp.StatusCode)
	}

	resp = do(t, app, http.MethodPost, "/tracking/sessions/"+info.ID+"/errors", map[string]string{"code": "on_fire"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected validation error, got %d", resp.StatusCode)
	}
	resp = do(t, app, http.MethodPost, "/tracking/sessions/"+info.ID+"/errors", map[string]string{"code": "timeout"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersOwnership(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	owner := newApp(h, asUser("driver-1", DeliveryRole))
	other := newApp(h, asUser("driver-2", DeliveryRole))
	dispatcher := newApp(h, asUser("disp-1", "dispatcher"))

	resp := do(t, owner, http.MethodPost, "/tracking/sessions", nil)
	var info SessionInfo
	_ = json.NewDecoder(resp.Body).Decode(&info)

	resp = do(t, other, http.MethodDelete, "/tracking/sessions/"+info.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign session should not be reachable, got %d", resp.StatusCode)
	}
	resp = do(t, dispatcher, http.MethodPost, "/tracking/sessions", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("dispatcher cannot be tracked, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersStopFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	app := newApp(h, asUser("driver-1", DeliveryRole))

	resp := do(t, app, http.MethodPost, "/tracking/sessions", nil)
	var info SessionInfo
	_ = json.NewDecoder(resp.Body).Decode(&info)

	h.backend.set(true)
	resp = do(t, app, http.MethodDelete, "/tracking/sessions/"+info.ID, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected bad gateway, got %d", resp.StatusCode)
	}
}
