package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/htpi/admin-portal/internal/bus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for i, s := range tt.statuses {
				r.Register(fixed(string(rune('a'+i)), s))
			}
			report := r.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("bus", StatusUnhealthy))
	r.Register(fixed("bus", StatusHealthy))
	r.Register(fixed("cache", StatusHealthy))
	assert.Equal(t, []string{"bus", "cache"}, r.Names())

	r.Unregister("cache")
	r.Unregister("missing")
	assert.Equal(t, []string{"bus"}, r.Names())
	assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("fast", StatusHealthy))
	r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return CheckResult{Name: "slow", Status: StatusHealthy}
	}))
	r.SetMetadata("version", "test")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := r.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "Check timed out", report.Checks["slow"].Message)
	assert.Equal(t, "test", report.Metadata["version"])
}

func TestBusChecker(t *testing.T) {
	m := bus.NewMemory()
	defer m.Close()
	c := NewBusChecker(m)

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	m.SetConnected(false)
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}

type pending int

func (p pending) PendingCount() int { return int(p) }

func TestPendingChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewPendingChecker(pending(10), 100).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewPendingChecker(pending(80), 100).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewPendingChecker(pending(100), 100).Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewPendingChecker(pending(5000), 0).Check(context.Background()).Status)
}

func TestRedisCheckerUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	res := NewRedisChecker(client).Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestMemoryChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewMemoryChecker(0, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewMemoryChecker(0, 1).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewMemoryChecker(1, 1_000_000).Check(context.Background()).Status)
}

func TestHandlers(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("bus", StatusHealthy))

	rec := httptest.NewRecorder()
	NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status": "healthy"`)

	rec = httptest.NewRecorder()
	NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	r.Register(fixed("cache", StatusUnhealthy))
	rec = httptest.NewRecorder()
	ReadinessHandler(r, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}
