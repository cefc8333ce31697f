// Package correlation tracks requests that are waiting for exactly one reply.
//
// Every pending entry is resolved at most once, by whichever of a matching
// reply, a timeout sweep or a cancellation claims it first. Later attempts
// are no-ops that report false.
package correlation

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateID is returned when registering an id that is already pending
	ErrDuplicateID = errors.New("correlation: id already pending")
	// ErrEmptyID is returned when registering an empty id
	ErrEmptyID = errors.New("correlation: empty id")
	// ErrFull is returned by RegisterBounded when the limit is reached
	ErrFull = errors.New("correlation: pending limit reached")
)

// Outcome says how a pending entry was resolved
type Outcome int

const (
	OutcomeReply Outcome = iota + 1
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "reply"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is written into a pending entry's slot once
type Result struct {
	Outcome    Outcome
	Payload    []byte
	Headers    map[string]string
	Err        error
	ResolvedAt time.Time
}

// Pending is the caller's handle on one outstanding request
type Pending struct {
	id         string
	deadline   time.Time
	registered time.Time
	done       chan struct{}
	result     Result
}

// ID returns the correlation id
func (p *Pending) ID() string { return p.id }

// Deadline returns the absolute time after which the request times out
func (p *Pending) Deadline() time.Time { return p.deadline }

// RegisteredAt returns when the entry was registered
func (p *Pending) RegisteredAt() time.Time { return p.registered }

// Done is closed once the entry is resolved
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the resolution. Only valid after Done is closed.
func (p *Pending) Result() Result {
	select {
	case <-p.done:
		return p.result
	default:
		return Result{}
	}
}

// Table maps correlation ids to pending entries
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
	now     func() time.Time
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{
		pending: make(map[string]*Pending),
		now:     time.Now,
	}
}

// NewID returns a fresh random correlation id
func NewID() string {
	return uuid.NewString()
}

// Register adds a pending entry for id
func (t *Table) Register(id string, deadline time.Time) (*Pending, error) {
	return t.RegisterBounded(id, deadline, 0)
}

// RegisterBounded is Register with a cap on pending entries, checked under
// the same lock as the insert. A limit of zero or less means unbounded.
func (t *Table) RegisterBounded(id string, deadline time.Time, limit int) (*Pending, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	p := &Pending{
		id:         id,
		deadline:   deadline,
		registered: t.now(),
		done:       make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return nil, ErrDuplicateID
	}
	if limit > 0 && len(t.pending) >= limit {
		return nil, ErrFull
	}
	t.pending[id] = p
	return p, nil
}

// Resolve fulfils the entry for id. It returns true only for the call that
// actually resolved it; unknown or already resolved ids return false.
func (t *Table) Resolve(id string, result Result) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	if result.ResolvedAt.IsZero() {
		result.ResolvedAt = t.now()
	}
	p.result = result
	close(p.done)
	return true
}

// Cancel resolves id as cancelled
func (t *Table) Cancel(id string) bool {
	return t.CancelWithCause(id, nil)
}

// CancelWithCause resolves id as cancelled, recording cause
func (t *Table) CancelWithCause(id string, cause error) bool {
	return t.Resolve(id, Result{Outcome: OutcomeCancelled, Err: cause})
}

// CancelAll resolves every pending entry as cancelled and returns how many
// it resolved
func (t *Table) CancelAll(cause error) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.CancelWithCause(id, cause) {
			n++
		}
	}
	return n
}

// SweepExpired returns the ids whose deadline is at or before now, oldest
// deadline first. Entries stay registered until resolved.
func (t *Table) SweepExpired(now time.Time) []string {
	t.mu.Lock()
	expired := make([]*Pending, 0)
	for _, p := range t.pending {
		if !p.deadline.After(now) {
			expired = append(expired, p)
		}
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].deadline.Before(expired[j].deadline)
	})

	ids := make([]string, len(expired))
	for i, p := range expired {
		ids[i] = p.id
	}
	return ids
}

// Len returns the number of pending entries
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Has reports whether id is pending
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}
