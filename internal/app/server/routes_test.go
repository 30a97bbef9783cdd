package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"

	"ipguard/internal/admin"
	"ipguard/internal/alert"
	"ipguard/internal/blacklist"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/jobs/anomaly"
	"ipguard/internal/pipeline"
	"ipguard/internal/ratelimit"
)

func setupTestDB(t *testing.T) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:server_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if _, err := database.SetupDB(database.WithExistingDB(db), database.WithMigrations(database.Models()...)); err != nil {
		t.Fatalf("setup database: %v", err)
	}
	t.Cleanup(func() {
		database.DB = nil
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
}

func newStore(t *testing.T) *blacklist.Store {
	t.Helper()
	store := blacklist.NewStore(blacklist.DatabaseBackend{})
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load blacklist: %v", err)
	}
	return store
}

func newAdminServer(t *testing.T, token string) (*httptest.Server, *blacklist.Store) {
	t.Helper()
	setupTestDB(t)
	store := newStore(t)
	svc := admin.NewService(store, anomaly.NewScanner(store, alert.LogDispatcher{}))

	srv := httptest.NewServer(NewAdminRouter(AdminDeps{Service: svc, Blacklist: store, Token: token}))
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	decoded := map[string]any{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func TestAdminBlockLifecycle(t *testing.T) {
	srv, store := newAdminServer(t, "")

	resp, body := do(t, http.MethodPost, srv.URL+"/admin/blocks", `{"ip":"192.0.2.1","reason":"spam","expires":"+7d"}`, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("block: status %d body %v", resp.StatusCode, body)
	}
	if body["ip"] != "192.0.2.1" || body["expires_at"] == nil {
		t.Fatalf("unexpected block body %v", body)
	}
	if blocked, _ := store.IsBlocked("192.0.2.1"); !blocked {
		t.Fatal("store did not pick up the block")
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/admin/blocks", `{"ip":"192.0.2.1"}`, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate block: expected 409, got %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/admin/blocks?status=active", "", "")
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list: status %d body %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/admin/blocks/192.0.2.1", "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unblock: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, srv.URL+"/admin/blocks/192.0.2.1", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second unblock: expected 404, got %d", resp.StatusCode)
	}
}

func TestAdminRejectsBadInput(t *testing.T) {
	srv, _ := newAdminServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid ip", http.MethodPost, "/admin/blocks", `{"ip":"nope"}`, http.StatusBadRequest},
		{"invalid expiry", http.MethodPost, "/admin/blocks", `{"ip":"192.0.2.2","expires":"+3h"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/admin/blocks", `{"ip":"192.0.2.2","colour":"red"}`, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/admin/blocks?status=maybe", "", http.StatusBadRequest},
		{"bad hours", http.MethodGet, "/admin/analyze/192.0.2.2?hours=-1", "", http.StatusBadRequest},
		{"analyze invalid ip", http.MethodGet, "/admin/analyze/nope", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body, "")
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d (%v)", tt.want, resp.StatusCode, body)
			}
		})
	}
}

func TestAdminDetectionConfigValidation(t *testing.T) {
	t.Setenv("IPGUARD_SETTINGS", filepath.Join(t.TempDir(), "settings.json"))
	original := config.GetConfig()
	t.Cleanup(func() { _ = config.SetConfig(original) })

	srv, _ := newAdminServer(t, "")

	dc := config.GetDetectionConfig()
	dc.ErrorRateThreshold = 1.5
	payload, _ := json.Marshal(dc)
	resp, _ := do(t, http.MethodPut, srv.URL+"/admin/detection", string(payload), "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid ruleset, got %d", resp.StatusCode)
	}

	dc.ErrorRateThreshold = 0.6
	payload, _ = json.Marshal(dc)
	resp, body := do(t, http.MethodPut, srv.URL+"/admin/detection", string(payload), "")
	if resp.StatusCode != http.StatusOK || body["error_rate_threshold"] != 0.6 {
		t.Fatalf("set detection: status %d body %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/admin/detection", "", "")
	if resp.StatusCode != http.StatusOK || body["error_rate_threshold"] != 0.6 {
		t.Fatalf("get detection: status %d body %v", resp.StatusCode, body)
	}
}

func TestAdminTokenAndHealth(t *testing.T) {
	srv, _ := newAdminServer(t, "s3cret")

	resp, _ := do(t, http.MethodGet, srv.URL+"/admin/blocks", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/admin/blocks", "", "s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK || body["database"] != "ok" || body["blacklist_loaded"] != true {
		t.Fatalf("health: status %d body %v", resp.StatusCode, body)
	}
	if body["instances"] != float64(1) {
		t.Fatalf("expected a single instance without redis, got %v", body["instances"])
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
}

func newTestPipeline(t *testing.T, store *blacklist.Store) (*pipeline.Pipeline, *pipeline.IdentityResolver) {
	t.Helper()
	rules, err := pipeline.BuildRules(config.Defaults())
	if err != nil {
		t.Fatalf("build rules: %v", err)
	}
	limiter := ratelimit.NewSlidingWindowLimiter(0)
	t.Cleanup(limiter.Close)
	return pipeline.New(store, limiter, rules), pipeline.NewIdentityResolver([]string{"X-Forwarded-For"}, []netip.Prefix{netip.MustParsePrefix("192.0.2.1/32")}, "")
}

func TestProtectedDemoRoutes(t *testing.T) {
	setupTestDB(t)
	store := newStore(t)
	if _, err := store.Block(context.Background(), "203.0.113.5", "auto: high_frequency", 0); err != nil {
		t.Fatalf("block: %v", err)
	}

	p, identity := newTestPipeline(t, store)
	handler, err := NewProtectedHandler(p, identity, "")
	if err != nil {
		t.Fatalf("protected handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sensitive-data", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("blocked IP: expected 403, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "API endpoint") {
		t.Fatalf("api route: status %d body %s", rr.Code, rr.Body.String())
	}
}

func TestProtectedReverseProxy(t *testing.T) {
	setupTestDB(t)
	store := newStore(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	p, identity := newTestPipeline(t, store)
	handler, err := NewProtectedHandler(p, identity, upstream.URL)
	if err != nil {
		t.Fatalf("protected handler: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rr.Code != http.StatusTeapot || rr.Body.String() != "upstream:/anything" {
		t.Fatalf("proxy: status %d body %q", rr.Code, rr.Body.String())
	}

	if _, err := NewProtectedHandler(p, identity, "not a url"); err == nil {
		t.Fatal("expected invalid upstream to be rejected")
	}
}
