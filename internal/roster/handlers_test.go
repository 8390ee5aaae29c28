package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func passThrough(c *fiber.Ctx) error { return c.Next() }

func TestRosterHandlersList(t *testing.T) {
	s := newTestStore(t, nil, nil)
	_, _ = s.Publish(context.Background(), Publish{EntityID: "d1", IsOnline: true, Timestamp: base, Profile: &Profile{Role: "delivery", Username: "rider"}})
	_, _ = s.Publish(context.Background(), Publish{EntityID: "x1", IsOnline: true, Timestamp: base, Profile: &Profile{Role: "dispatcher"}})

	app := fiber.New()
	RegisterRoutes(app.Group("/roster"), s, passThrough, passThrough)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/roster?role=delivery", nil))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list status: %v", err)
	}
	var views []EntityView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].ID != "d1" || views[0].DisplayName != "rider" || views[0].Presence != "online" {
		t.Fatalf("unexpected views: %+v", views)
	}

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/roster/entities/missing", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", resp.StatusCode)
	}
}

func TestRosterHandlersUpdateProfile(t *testing.T) {
	s := newTestStore(t, nil, nil)
	app := fiber.New()
	RegisterRoutes(app.Group("/roster"), s, passThrough, passThrough)

	body, _ := json.Marshal(map[string]string{"first_name": "Ana", "role": "delivery"})
	req := httptest.NewRequest(http.MethodPut, "/roster/entities/d1/profile", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("update status: %v %d", err, resp.StatusCode)
	}
	if e, ok := s.Get("d1"); !ok || e.Role != "delivery" {
		t.Fatalf("profile not stored: %+v", e)
	}

	body, _ = json.Marshal(map[string]string{"role": "pilot"})
	req = httptest.NewRequest(http.MethodPut, "/roster/entities/d1/profile", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected validation failure, got %d", resp.StatusCode)
	}
}

func TestRosterHandlersEditGuard(t *testing.T) {
	app := fiber.New()
	deny := func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusForbidden, "forbidden") }
	RegisterRoutes(app.Group("/roster"), newTestStore(t, nil, nil), passThrough, deny)

	req := httptest.NewRequest(http.MethodPut, "/roster/entities/d1/profile", bytes.NewReader([]byte(`{"role":"delivery"}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, _ := app.Test(req)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", resp.StatusCode)
	}
}
