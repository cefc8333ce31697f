package session

import (
	"encoding/json"
	"sort"
	"time"
)

// Service health states reported to the browser
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDown      = "down"
)

// ServiceHealth is one service's answer to a health check
type ServiceHealth struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// HealthReport is the aggregated result of a multi-service health check
type HealthReport struct {
	RequestID  string                   `json:"requestId"`
	SessionID  string                   `json:"-"`
	Services   map[string]ServiceHealth `json:"services"`
	Complete   bool                     `json:"complete"`
	StartedAt  time.Time                `json:"startedAt"`
	FinishedAt time.Time                `json:"finishedAt"`
}

// Healthy reports whether every service answered healthy
func (h *HealthReport) Healthy() bool {
	for _, s := range h.Services {
		if s.Status != StatusHealthy {
			return false
		}
	}
	return len(h.Services) > 0
}

type healthCheck struct {
	requestID string
	sessionID string
	expected  []string
	results   map[string]ServiceHealth
	startedAt time.Time
	deadline  time.Time
}

func (h *healthCheck) report(complete bool, at time.Time) HealthReport {
	services := make(map[string]ServiceHealth, len(h.expected))
	for _, name := range h.expected {
		if res, ok := h.results[name]; ok {
			services[name] = res
			continue
		}
		services[name] = ServiceHealth{Status: StatusDown, Message: "no response"}
	}
	return HealthReport{
		RequestID:  h.requestID,
		SessionID:  h.sessionID,
		Services:   services,
		Complete:   complete,
		StartedAt:  h.startedAt,
		FinishedAt: at,
	}
}

// BeginHealthCheck starts aggregating replies for requestID on behalf of
// sessionID. Services that have not answered by deadline are reported down.
func (r *Registry) BeginHealthCheck(sessionID, requestID string, services []string, deadline time.Time) error {
	r.mu.RLock()
	_, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	expected := append([]string(nil), services...)
	sort.Strings(expected)

	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	if _, exists := r.health[requestID]; exists {
		return ErrDuplicateHealthCheck
	}
	r.health[requestID] = &healthCheck{
		requestID: requestID,
		sessionID: sessionID,
		expected:  expected,
		results:   make(map[string]ServiceHealth, len(expected)),
		startedAt: r.now(),
		deadline:  deadline,
	}
	return nil
}

// RecordHealth stores one service's answer. When it completes the check,
// the check is removed and its report returned with true.
func (r *Registry) RecordHealth(requestID, service string, status ServiceHealth) (*HealthReport, bool) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	hc, ok := r.health[requestID]
	if !ok {
		return nil, false
	}
	if !contains(hc.expected, service) {
		r.logger.Debug("health reply from unexpected service", "requestId", requestID, "service", service)
		return nil, false
	}
	if _, dup := hc.results[service]; dup {
		return nil, false
	}
	hc.results[service] = status

	if len(hc.results) < len(hc.expected) {
		return nil, false
	}
	delete(r.health, requestID)
	report := hc.report(true, r.now())
	return &report, true
}

// ExpireHealthChecks finalizes every check whose deadline is at or before
// now, marking silent services down
func (r *Registry) ExpireHealthChecks(now time.Time) []HealthReport {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	var reports []HealthReport
	for id, hc := range r.health {
		if hc.deadline.After(now) {
			continue
		}
		delete(r.health, id)
		reports = append(reports, hc.report(false, now))
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].RequestID < reports[j].RequestID })
	return reports
}

// PendingHealthChecks returns the number of checks still aggregating
func (r *Registry) PendingHealthChecks() int {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	return len(r.health)
}

func (r *Registry) dropHealthChecks(sessionID string) int {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	n := 0
	for id, hc := range r.health {
		if hc.sessionID == sessionID {
			delete(r.health, id)
			n++
		}
	}
	return n
}

func contains(sorted []string, s string) bool {
	i := sort.SearchStrings(sorted, s)
	return i < len(sorted) && sorted[i] == s
}
