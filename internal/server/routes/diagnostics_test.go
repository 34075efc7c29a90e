package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/uni-sync/uni-sync-cache/internal/lifecycle"
	"github.com/uni-sync/uni-sync-cache/internal/metrics"
)

func TestCachesRouteReturnsSnapshot(t *testing.T) {
	stub := &lifecycleStub{snapshot: lifecycle.Snapshot{
		Current: "uni-sync-cache-v1",
		Assets:  []string{"/"},
		Caches: []lifecycle.CacheInfo{
			{Name: "uni-sync-cache-v1", Entries: 6, Current: true},
		},
	}}
	app := newDiagnosticsApp(stub, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/caches", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var decoded lifecycle.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if decoded.Current != "uni-sync-cache-v1" || len(decoded.Caches) != 1 || decoded.Caches[0].Entries != 6 {
		t.Fatalf("unexpected snapshot %+v", decoded)
	}
}

func TestLifecycleRouteDispatchesEvents(t *testing.T) {
	stub := &lifecycleStub{}
	app := newDiagnosticsApp(stub, nil)

	for _, event := range []string{"install", "activate"} {
		resp, err := app.Test(httptest.NewRequest("POST", "/-/lifecycle/"+event, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"result":"ok"`) {
			t.Fatalf("unexpected %s response %d %s", event, resp.StatusCode, string(body))
		}
	}
	if stub.installs != 1 || stub.activates != 1 {
		t.Fatalf("expected one install and one activate, got %d/%d", stub.installs, stub.activates)
	}
}

func TestLifecycleRouteReportsFailure(t *testing.T) {
	stub := &lifecycleStub{installErr: errors.New("asset /index.html returned 500")}
	app := newDiagnosticsApp(stub, nil)

	resp, err := app.Test(httptest.NewRequest("POST", "/-/lifecycle/install", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "asset /index.html returned 500") {
		t.Fatalf("error should be surfaced, got %s", string(body))
	}
}

func TestLifecycleRouteRejectsUnknownEvent(t *testing.T) {
	app := newDiagnosticsApp(&lifecycleStub{}, nil)

	resp, err := app.Test(httptest.NewRequest("POST", "/-/lifecycle/fetch", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsRouteExposesRegistry(t *testing.T) {
	m := metrics.New()
	m.ObserveFetch(metrics.SourceCache)
	app := newDiagnosticsApp(&lifecycleStub{}, m)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `uni_sync_cache_fetch_total{source="cache"} 1`) {
		t.Fatalf("expected fetch counter in exposition, got:\n%s", string(body))
	}
}

func newDiagnosticsApp(stub *lifecycleStub, m *metrics.Metrics) *fiber.App {
	app := fiber.New()
	if m != nil {
		RegisterDiagnosticsRoutes(app, stub, m.Registry)
	} else {
		RegisterDiagnosticsRoutes(app, stub, nil)
	}
	return app
}

type lifecycleStub struct {
	snapshot   lifecycle.Snapshot
	installErr error
	installs   int
	activates  int
}

func (s *lifecycleStub) Install(context.Context) error {
	s.installs++
	return s.installErr
}

func (s *lifecycleStub) Activate(context.Context) error {
	s.activates++
	return nil
}

func (s *lifecycleStub) Snapshot(context.Context) (lifecycle.Snapshot, error) {
	return s.snapshot, nil
}
