package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/session"
	"github.com/htpi/admin-portal/internal/sweeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answerHealth makes each of services reply to every health check
func answerHealth(t *testing.T, m *bus.Memory, services ...string) {
	t.Helper()
	sub, err := m.Subscribe(admin.TopicHealthCheck, func(ctx context.Context, msg *bus.Message) {
		for _, name := range services {
			data, _ := json.Marshal(map[string]any{"service": name, "status": session.StatusHealthy})
			_ = m.Publish(ctx, &bus.Message{Topic: msg.ReplyTo, CorrelationID: msg.CorrelationID, Data: data})
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

type reportFrame struct {
	Success   bool                 `json:"success"`
	RequestID string               `json:"requestId"`
	Data      session.HealthReport `json:"data"`
}

func TestHealthCheckCompletes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gw.Start(f.bus))
	answerHealth(t, f.bus, "admin", "claim")
	id, rec := f.connect(t, superAdmin)

	f.gw.Handle(id, inbound(EventHealthCheck, "h1", map[string]any{"services": []string{"admin", "claim"}}))

	var ack Response
	require.True(t, rec.find(t, "admin:health:check:response:h1", &ack))
	assert.True(t, ack.Success)

	require.Eventually(t, func() bool {
		return rec.find(t, EventHealthReport+":h1", nil)
	}, 2*time.Second, 10*time.Millisecond)

	var report reportFrame
	rec.find(t, EventHealthReport+":h1", &report)
	assert.Equal(t, "h1", report.RequestID)
	assert.True(t, report.Data.Complete)
	assert.True(t, report.Data.Healthy())
	assert.Zero(t, f.registry.PendingHealthChecks())
}

func TestHealthCheckExpiresThroughSweeper(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gw.Start(f.bus))
	id, rec := f.connect(t, superAdmin)

	f.gw.Handle(id, inbound(EventHealthCheck, "", map[string]any{"services": []string{"admin", "form"}}))

	var ack struct {
		Data HealthCheckAccepted `json:"data"`
	}
	require.True(t, rec.find(t, "admin:health:check:response", &ack))
	require.NotEmpty(t, ack.Data.CheckID)

	f.gw.handleHealthReply(context.Background(), &bus.Message{
		Topic: "portal.health.gw." + ack.Data.CheckID,
		Data:  []byte(`{"service":"admin","healthy":true}`),
	})
	assert.False(t, rec.find(t, EventHealthReport, nil))

	sw := sweeper.New(f.bridge.Table(), sweeper.WithHealthChecks(f.registry, f.gw.DeliverHealthReport))
	stats := sw.Tick(time.Now().Add(time.Hour))
	assert.Equal(t, 1, stats.HealthExpired)

	var report reportFrame
	require.True(t, rec.find(t, EventHealthReport, &report))
	assert.False(t, report.Data.Complete)
	assert.Equal(t, session.StatusDown, report.Data.Services["form"].Status)
	assert.Equal(t, session.StatusHealthy, report.Data.Services["admin"].Status)
}

func TestHealthCheckDroppedOnDisconnect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gw.Start(f.bus))
	id, _ := f.connect(t, superAdmin)

	f.gw.Handle(id, inbound(EventHealthCheck, "h", nil))
	require.Equal(t, 1, f.registry.PendingHealthChecks())

	f.registry.OnDisconnect(id)
	f.gw.dropLabels(id)
	assert.Zero(t, f.registry.PendingHealthChecks())
	assert.Empty(t, f.gw.labels)
}

func TestHealthReplyStatus(t *testing.T) {
	yes, no := true, false
	assert.Equal(t, "degraded", healthReply{Status: "degraded"}.status())
	assert.Equal(t, session.StatusHealthy, healthReply{Healthy: &yes}.status())
	assert.Equal(t, session.StatusUnhealthy, healthReply{Healthy: &no}.status())
	assert.Equal(t, session.StatusUnhealthy, healthReply{}.status())
}
