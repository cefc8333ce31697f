// Package session tracks websocket sessions, their identity and room
// membership, and delivers events to a single session or to a room.
//
// A single RWMutex guards sessions and rooms. Broadcast resolves membership
// and enqueues under the read lock, so a member that leaves before the
// broadcast starts never receives it and one that joins after never does
// either. Senders must not block; the websocket client buffers frames and
// writes them from its own goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/htpi/admin-portal/internal/auth"
)

// Sender delivers an encoded frame to one connection without blocking
type Sender interface {
	Send(frame []byte) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(frame []byte) error

func (f SenderFunc) Send(frame []byte) error {
	return f(frame)
}

// Frame is the outbound wire format
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EncodeFrame marshals an outbound frame
func EncodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: payload})
}

// Metrics receives registry measurements
type Metrics interface {
	SetSessions(n int)
	Broadcast(event string, delivered, dropped int)
}

type noopMetrics struct{}

func (noopMetrics) SetSessions(int)            {}
func (noopMetrics) Broadcast(string, int, int) {}

type session struct {
	id            string
	sender        Sender
	ctx           context.Context
	cancel        context.CancelCauseFunc
	authenticated bool
	identity      auth.Identity
	rooms         map[string]struct{}
	connectedAt   time.Time
}

// Info is a snapshot of one session
type Info struct {
	ID            string
	Authenticated bool
	Identity      auth.Identity
	Rooms         []string
	ConnectedAt   time.Time
}

// ErrDisconnected is the cause attached to a session context on disconnect
var ErrDisconnected = errors.New("session: connection closed")

// Registry tracks sessions and rooms
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]struct{}

	healthMu sync.Mutex
	health   map[string]*healthCheck

	baseCtx context.Context
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// Option configures the registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithBaseContext sets the parent of every session context
func WithBaseContext(ctx context.Context) Option {
	return func(r *Registry) {
		r.baseCtx = ctx
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]struct{}),
		health:   make(map[string]*healthCheck),
		baseCtx:  context.Background(),
		logger:   slog.Default(),
		metrics:  noopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnConnect registers a new unauthenticated session and returns its id
func (r *Registry) OnConnect(sender Sender) string {
	ctx, cancel := context.WithCancelCause(r.baseCtx)
	s := &session{
		id:          uuid.NewString(),
		sender:      sender,
		ctx:         ctx,
		cancel:      cancel,
		rooms:       make(map[string]struct{}),
		connectedAt: r.now(),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetSessions(n)
	r.logger.Debug("session connected", "connectionId", s.id)
	return s.id
}

// OnDisconnect removes the session from every room, cancels its context
// and drops its pending health checks. It reports whether id was known.
func (r *Registry) OnDisconnect(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	for room := range s.rooms {
		r.removeMemberLocked(room, id)
	}
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	s.cancel(ErrDisconnected)
	dropped := r.dropHealthChecks(id)

	r.metrics.SetSessions(n)
	r.logger.Debug("session disconnected", "connectionId", id, "rooms", len(s.rooms), "healthChecksDropped", dropped)
	return true
}

// Authenticate attaches ident to the session. A session switching to a
// different user, role or tenant leaves every room it joined before.
func (r *Registry) Authenticate(id string, ident auth.Identity) error {
	if ident.IsZero() {
		return ErrUnauthorized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownConnection
	}
	if s.authenticated && !sameSubject(s.identity, ident) {
		r.leaveAllLocked(s)
	}
	s.authenticated = true
	s.identity = ident
	return nil
}

// Deauthenticate clears the identity and leaves every room, since rooms
// are only open to authenticated sessions
func (r *Registry) Deauthenticate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownConnection
	}
	r.leaveAllLocked(s)
	s.authenticated = false
	s.identity = auth.Identity{}
	return nil
}

func (r *Registry) leaveAllLocked(s *session) {
	for room := range s.rooms {
		r.removeMemberLocked(room, s.id)
	}
	s.rooms = make(map[string]struct{})
}

func sameSubject(a, b auth.Identity) bool {
	return a.UserID == b.UserID && a.Email == b.Email && a.Role == b.Role && a.OrgID == b.OrgID
}

// Authorize returns the session identity if it is authenticated and holds
// one of roles
func (r *Registry) Authorize(id string, roles ...string) (auth.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return auth.Identity{}, ErrUnknownConnection
	}
	if !s.authenticated {
		return auth.Identity{}, ErrUnauthorized
	}
	if !s.identity.HasAnyRole(roles...) {
		return s.identity, ErrForbidden
	}
	return s.identity, nil
}

// JoinRoom adds an authenticated session to room. Joining twice is a no-op.
func (r *Registry) JoinRoom(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownConnection
	}
	if !s.authenticated {
		return ErrUnauthorized
	}

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
	s.rooms[room] = struct{}{}
	return nil
}

// LeaveRoom removes the session from room. Leaving a room the session is
// not in is a no-op.
func (r *Registry) LeaveRoom(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownConnection
	}
	delete(s.rooms, room)
	r.removeMemberLocked(room, id)
	return nil
}

func (r *Registry) removeMemberLocked(room, id string) {
	members := r.rooms[room]
	if members == nil {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Broadcast sends event to every current member of room and returns how
// many sessions accepted the frame
func (r *Registry) Broadcast(room, event string, payload any) int {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		r.logger.Error("failed to encode broadcast", "room", room, "event", event, "error", err)
		return 0
	}

	delivered, dropped := 0, 0

	r.mu.RLock()
	for id := range r.rooms[room] {
		s := r.sessions[id]
		if s == nil {
			continue
		}
		if err := s.sender.Send(frame); err != nil {
			dropped++
			r.logger.Warn("broadcast dropped", "room", room, "event", event, "connectionId", id, "error", err)
			continue
		}
		delivered++
	}
	r.mu.RUnlock()

	r.metrics.Broadcast(event, delivered, dropped)
	return delivered
}

// Unicast sends event to one session
func (r *Registry) Unicast(id, event string, payload any) error {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownConnection
	}
	return s.sender.Send(frame)
}

// Members returns the sorted session ids in room
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// Rooms returns the sorted rooms the session belongs to
func (r *Registry) Rooms(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return sortedKeys(s.rooms)
}

// Context returns the session's context, cancelled on disconnect
func (r *Registry) Context(id string) (context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.ctx, true
}

// Info returns a snapshot of the session
func (r *Registry) Info(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return Info{
		ID:            s.id,
		Authenticated: s.authenticated,
		Identity:      s.identity,
		Rooms:         sortedKeys(s.rooms),
		ConnectedAt:   s.connectedAt,
	}, true
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disconnects every session
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.OnDisconnect(id) {
			n++
		}
	}
	return n
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
