package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/correlation"
	"github.com/htpi/admin-portal/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTickResolvesExpired(t *testing.T) {
	table := correlation.NewTable()
	now := time.Now()

	due, err := table.Register("due", now)
	require.NoError(t, err)
	_, err = table.Register("later", now.Add(time.Second))
	require.NoError(t, err)

	s := New(table)

	stats := s.Tick(now.Add(-time.Millisecond))
	assert.Equal(t, 0, stats.Expired)

	stats = s.Tick(now)
	assert.Equal(t, 1, stats.Expired)

	select {
	case <-due.Done():
		assert.Equal(t, correlation.OutcomeTimeout, due.Result().Outcome)
	default:
		t.Fatal("expired entry not resolved")
	}
	assert.False(t, table.Has("due"))
	assert.True(t, table.Has("later"))
}

func TestTickSkipsAlreadyResolved(t *testing.T) {
	table := &mockTable{}
	table.On("SweepExpired", mock.Anything).Return([]string{"a", "b"})
	table.On("Resolve", "a", mock.Anything).Return(true)
	table.On("Resolve", "b", mock.Anything).Return(false)

	stats := New(table).Tick(time.Now())
	assert.Equal(t, 1, stats.Expired)
	table.AssertExpectations(t)
}

func TestTickNotifiesExpiredHealthChecks(t *testing.T) {
	reg := session.NewRegistry()
	id := reg.OnConnect(session.SenderFunc(func([]byte) error { return nil }))

	now := time.Now()
	require.NoError(t, reg.BeginHealthCheck(id, "h1", []string{"auth"}, now))

	var got []session.HealthReport
	s := New(correlation.NewTable(), WithHealthChecks(reg, func(r session.HealthReport) {
		got = append(got, r)
	}))

	stats := s.Tick(now)
	assert.Equal(t, 1, stats.HealthExpired)
	require.Len(t, got, 1)
	assert.Equal(t, "h1", got[0].RequestID)
	assert.Equal(t, session.StatusDown, got[0].Services["auth"].Status)
}

func TestTickSurvivesPanics(t *testing.T) {
	table := &mockTable{}
	table.On("SweepExpired", mock.Anything).Run(func(mock.Arguments) { panic("boom") }).Return([]string(nil))

	reg := session.NewRegistry()
	id := reg.OnConnect(session.SenderFunc(func([]byte) error { return nil }))
	now := time.Now()
	require.NoError(t, reg.BeginHealthCheck(id, "h1", []string{"auth"}, now))

	notified := 0
	s := New(table, WithHealthChecks(reg, func(session.HealthReport) {
		notified++
		panic("notifier")
	}))

	assert.NotPanics(t, func() {
		stats := s.Tick(now)
		assert.Equal(t, 1, stats.HealthExpired)
	})
	assert.Equal(t, 1, notified)
}

func TestProbe(t *testing.T) {
	conn := bus.NewMemory()
	defer conn.Close()

	spy := &metricsSpy{}
	s := New(correlation.NewTable(), WithProbe(conn, 2), WithMetrics(spy))

	now := time.Now()
	assert.False(t, s.Tick(now).Probed)

	stats := s.Tick(now)
	assert.True(t, stats.Probed)
	assert.True(t, stats.Connected)

	conn.SetConnected(false)
	s.Tick(now)
	stats = s.Tick(now)
	assert.True(t, stats.Probed)
	assert.False(t, stats.Connected)

	spy.mu.Lock()
	defer spy.mu.Unlock()
	assert.Equal(t, []bool{true, false}, spy.connected)
}

func TestRunStopsOnCancel(t *testing.T) {
	table := correlation.NewTable()
	p, err := table.Register("x", time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(table, WithInterval(10*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("run loop did not expire entry")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

type mockTable struct {
	mock.Mock
}

func (m *mockTable) SweepExpired(now time.Time) []string {
	args := m.Called(now)
	ids, _ := args.Get(0).([]string)
	return ids
}

func (m *mockTable) Resolve(id string, result correlation.Result) bool {
	return m.Called(id, result).Bool(0)
}

type metricsSpy struct {
	mu        sync.Mutex
	expired   int
	connected []bool
}

func (m *metricsSpy) Expired(n int) {
	m.mu.Lock()
	m.expired += n
	m.mu.Unlock()
}

func (m *metricsSpy) HealthChecksExpired(int) {}

func (m *metricsSpy) SetBusConnected(c bool) {
	m.mu.Lock()
	m.connected = append(m.connected, c)
	m.mu.Unlock()
}
