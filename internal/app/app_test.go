package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/admin/admintest"
	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/config"
	"github.com/htpi/admin-portal/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Bus.Driver = config.DriverMemory
	cfg.Auth.Secret = "test-secret"
	cfg.Bridge.Timeout = 500 * time.Millisecond
	cfg.Bridge.Grace = 100 * time.Millisecond
	cfg.Bridge.RetryDelay = time.Millisecond
	return &cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func post(t *testing.T, url, body string) (*http.Response, gateway.Response) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out gateway.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func get(t *testing.T, url, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestLoginAndFallback(t *testing.T) {
	a := newTestApp(t, testConfig())

	svc := admintest.New(a.Conn())
	t.Cleanup(svc.Close)
	require.NoError(t, svc.Handle(admin.TopicLogin, func(json.RawMessage) any {
		return admintest.OK(map[string]any{"user": map[string]any{
			"id": "u1", "email": "root@htpi.test", "role": "super_admin",
		}})
	}))
	require.NoError(t, svc.Handle(admin.TopicTenantsList, func(json.RawMessage) any {
		return admintest.OK(map[string]any{
			"tenants": []map[string]any{{"id": "t1", "name": "Acme"}},
			"total":   1,
		})
	}))

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, login := post(t, srv.URL+"/api/auth/login", `{"email":"root@htpi.test","password":"pw"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, login.Token)

	resp, body := get(t, srv.URL+"/api/tenants", login.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"Acme"`)

	// the successful read above seeded the cache
	a.Conn().(*bus.Memory).SetConnected(false)
	resp, body = get(t, srv.URL+"/api/tenants", login.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"Acme"`)

	resp, _ = post(t, srv.URL+"/api/auth/login", `{"email":"root@htpi.test","password":"pw"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = get(t, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "portal_bus_connected 0")
	assert.Contains(t, body, `portal_bridge_requests_total{outcome=`)
}

func TestStandaloneNeverTouchesBus(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Mode = config.ModeStandalone
	a := newTestApp(t, cfg)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, out := post(t, srv.URL+"/api/auth/login", `{"email":"a@b.test","password":"pw"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "broker_unavailable", out.Code)
	assert.Zero(t, a.Conn().(*bus.Memory).PublishCount())

	resp, body := get(t, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"backend_mode": "standalone"`)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://admin.htpi.test/"})

	req := httptest.NewRequest(http.MethodGet, "http://portal.local/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://admin.htpi.test")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://portal.local")
	assert.True(t, check(req), "same host")

	req.Header.Set("Origin", "https://evil.test")
	assert.False(t, check(req))
}
