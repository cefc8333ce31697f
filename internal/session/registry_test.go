package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/htpi/admin-portal/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
}

func (r *recorder) Send(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return ErrSlowConsumer
	}
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Event)
	}
	return out
}

var admin = auth.Identity{UserID: "1", Email: "admin@htpi.io", Role: auth.RoleAdmin}

func connectAuthenticated(t *testing.T, reg *Registry) (string, *recorder) {
	t.Helper()
	rec := &recorder{}
	id := reg.OnConnect(rec)
	require.NoError(t, reg.Authenticate(id, admin))
	return id, rec
}

func TestConnectDisconnect(t *testing.T) {
	reg := NewRegistry()

	a := reg.OnConnect(&recorder{})
	b := reg.OnConnect(&recorder{})
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, reg.Count())

	ctx, ok := reg.Context(a)
	require.True(t, ok)

	assert.True(t, reg.OnDisconnect(a))
	assert.False(t, reg.OnDisconnect(a))
	assert.Equal(t, 1, reg.Count())

	select {
	case <-ctx.Done():
		assert.ErrorIs(t, context.Cause(ctx), ErrDisconnected)
	default:
		t.Fatal("session context not cancelled on disconnect")
	}
}

func TestAuthorization(t *testing.T) {
	reg := NewRegistry()
	id := reg.OnConnect(&recorder{})

	_, err := reg.Authorize(id)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, reg.Authenticate(id, auth.Identity{}), ErrUnauthorized)
	assert.ErrorIs(t, reg.Authenticate("missing", admin), ErrUnknownConnection)

	require.NoError(t, reg.Authenticate(id, auth.Identity{UserID: "9", Role: "viewer"}))
	_, err = reg.Authorize(id)
	assert.NoError(t, err)
	_, err = reg.Authorize(id, auth.RoleAdmin)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, reg.Authenticate(id, admin))
	ident, err := reg.Authorize(id, auth.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, admin, ident)

	info, ok := reg.Info(id)
	require.True(t, ok)
	assert.True(t, info.Authenticated)
}

func TestJoinRequiresAuthentication(t *testing.T) {
	reg := NewRegistry()
	id := reg.OnConnect(&recorder{})

	assert.ErrorIs(t, reg.JoinRoom(id, "admin:users"), ErrUnauthorized)
	assert.ErrorIs(t, reg.JoinRoom("missing", "admin:users"), ErrUnknownConnection)
	assert.Empty(t, reg.Members("admin:users"))
}

func TestBroadcastReachesExactlyMembers(t *testing.T) {
	reg := NewRegistry()

	var ids []string
	var recs []*recorder
	for i := 0; i < 4; i++ {
		id, rec := connectAuthenticated(t, reg)
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	for _, id := range ids[:3] {
		require.NoError(t, reg.JoinRoom(id, "admin:users"))
	}
	// joining twice does not duplicate delivery
	require.NoError(t, reg.JoinRoom(ids[0], "admin:users"))

	n := reg.Broadcast("admin:users", "admin:users:created", map[string]string{"id": "u-1"})
	assert.Equal(t, 3, n)

	for i := 0; i < 3; i++ {
		assert.Equal(t, []string{"admin:users:created"}, recs[i].events())
	}
	assert.Empty(t, recs[3].events())
}

func TestLeaveBeforeBroadcast(t *testing.T) {
	reg := NewRegistry()
	a, recA := connectAuthenticated(t, reg)
	b, recB := connectAuthenticated(t, reg)

	require.NoError(t, reg.JoinRoom(a, "admin:tenants"))
	require.NoError(t, reg.JoinRoom(b, "admin:tenants"))
	require.NoError(t, reg.LeaveRoom(b, "admin:tenants"))
	require.NoError(t, reg.LeaveRoom(b, "admin:tenants"))

	assert.Equal(t, 1, reg.Broadcast("admin:tenants", "admin:tenants:created", nil))
	assert.Len(t, recA.events(), 1)
	assert.Empty(t, recB.events())
	assert.Equal(t, []string{a}, reg.Members("admin:tenants"))
}

func TestDisconnectLeavesRooms(t *testing.T) {
	reg := NewRegistry()
	a, _ := connectAuthenticated(t, reg)
	require.NoError(t, reg.JoinRoom(a, "admin:users"))
	require.NoError(t, reg.JoinRoom(a, "tenant-updates:t1"))
	assert.Equal(t, []string{"admin:users", "tenant-updates:t1"}, reg.Rooms(a))

	reg.OnDisconnect(a)
	assert.Empty(t, reg.Members("admin:users"))
	assert.Equal(t, 0, reg.Broadcast("admin:users", "x", nil))
}

func TestDeauthenticateLeavesRooms(t *testing.T) {
	reg := NewRegistry()
	a, rec := connectAuthenticated(t, reg)
	require.NoError(t, reg.JoinRoom(a, "admin:users"))

	require.NoError(t, reg.Deauthenticate(a))
	assert.Empty(t, reg.Rooms(a))
	assert.Equal(t, 0, reg.Broadcast("admin:users", "x", nil))
	assert.Empty(t, rec.events())

	_, err := reg.Authorize(a)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateAsAnotherIdentityLeavesRooms(t *testing.T) {
	reg := NewRegistry()
	a, rec := connectAuthenticated(t, reg)
	require.NoError(t, reg.JoinRoom(a, "admin:users"))

	info, _ := reg.Info(a)
	require.NoError(t, reg.Authenticate(a, info.Identity))
	assert.Equal(t, []string{"admin:users"}, reg.Rooms(a))

	other := auth.Identity{UserID: "77", Email: "other@acme.io", Role: "user", OrgID: "t1"}
	require.NoError(t, reg.Authenticate(a, other))
	assert.Empty(t, reg.Rooms(a))
	assert.Empty(t, reg.Members("admin:users"))
	assert.Equal(t, 0, reg.Broadcast("admin:users", "x", nil))
	assert.Empty(t, rec.events())
}

func TestSlowConsumerDoesNotBlockOthers(t *testing.T) {
	reg := NewRegistry()
	a, _ := connectAuthenticated(t, reg)
	b, recB := connectAuthenticated(t, reg)
	slow, recSlow := connectAuthenticated(t, reg)
	recSlow.full = true

	for _, id := range []string{a, b, slow} {
		require.NoError(t, reg.JoinRoom(id, "admin:users"))
	}

	assert.Equal(t, 2, reg.Broadcast("admin:users", "admin:users:created", nil))
	assert.Len(t, recB.events(), 1)

	assert.ErrorIs(t, reg.Unicast(slow, "error", nil), ErrSlowConsumer)
}

func TestUnicast(t *testing.T) {
	reg := NewRegistry()
	a, recA := connectAuthenticated(t, reg)
	_, recB := connectAuthenticated(t, reg)

	require.NoError(t, reg.Unicast(a, "admin:users:list:response:r1", map[string]any{"success": true}))
	assert.Equal(t, []string{"admin:users:list:response:r1"}, recA.events())
	assert.Empty(t, recB.events())

	assert.ErrorIs(t, reg.Unicast("missing", "x", nil), ErrUnknownConnection)
	assert.Error(t, reg.Unicast(a, "x", make(chan int)))
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	reg := NewRegistry()
	ids := make([]string, 20)
	for i := range ids {
		ids[i], _ = connectAuthenticated(t, reg)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = reg.JoinRoom(id, "admin:users")
				reg.Broadcast("admin:users", "tick", j)
				_ = reg.LeaveRoom(id, "admin:users")
			}
		}(id)
	}
	wg.Wait()

	assert.Empty(t, reg.Members("admin:users"))
}

func TestCloseAll(t *testing.T) {
	reg := NewRegistry()
	connectAuthenticated(t, reg)
	connectAuthenticated(t, reg)

	assert.Equal(t, 2, reg.CloseAll())
	assert.Equal(t, 0, reg.Count())
}

type metricsSpy struct {
	mu        sync.Mutex
	sessions  int
	delivered int
	dropped   int
}

func (m *metricsSpy) SetSessions(n int) {
	m.mu.Lock()
	m.sessions = n
	m.mu.Unlock()
}

func (m *metricsSpy) Broadcast(_ string, delivered, dropped int) {
	m.mu.Lock()
	m.delivered += delivered
	m.dropped += dropped
	m.mu.Unlock()
}

func TestMetrics(t *testing.T) {
	spy := &metricsSpy{}
	reg := NewRegistry(WithMetrics(spy))

	a, _ := connectAuthenticated(t, reg)
	b, recB := connectAuthenticated(t, reg)
	recB.full = true
	require.NoError(t, reg.JoinRoom(a, "r"))
	require.NoError(t, reg.JoinRoom(b, "r"))

	reg.Broadcast("r", "e", nil)
	assert.Equal(t, 2, spy.sessions)
	assert.Equal(t, 1, spy.delivered)
	assert.Equal(t, 1, spy.dropped)

	reg.OnDisconnect(a)
	assert.Equal(t, 1, spy.sessions)
}

func TestSessionContextHonorsBase(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	reg := NewRegistry(WithBaseContext(base))
	id := reg.OnConnect(&recorder{})

	ctx, ok := reg.Context(id)
	require.True(t, ok)
	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context did not follow base context")
	}
}
