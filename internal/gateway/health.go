package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/bridge"
	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/session"
)

// healthLabel maps an internal check id back to its caller
type healthLabel struct {
	session   string
	requestID string
}

// HealthCheckAccepted is the data of the immediate health check response
type HealthCheckAccepted struct {
	CheckID  string    `json:"check_id"`
	Services []string  `json:"services"`
	Deadline time.Time `json:"deadline"`
}

// healthCheck scatters one request to every service. Replies are
// aggregated by the registry; the final report is sent by
// DeliverHealthReport once every service answered or the sweeper expired
// the check.
func (g *Gateway) healthCheck(ctx context.Context, c *call) (Response, error) {
	if g.publisher == nil {
		return Response{}, fmt.Errorf("%w: health checks need a bus publisher", bridge.ErrBrokerUnavailable)
	}

	var req struct {
		Services []string `json:"services"`
	}
	if err := c.bind(&req); err != nil {
		return Response{}, err
	}
	services := req.Services
	if len(services) == 0 {
		services = g.healthServices
	}

	checkID := uuid.NewString()
	deadline := g.now().Add(g.healthTimeout)
	if err := g.registry.BeginHealthCheck(c.session, checkID, services, deadline); err != nil {
		return Response{}, err
	}

	g.labelsMu.Lock()
	g.labels[checkID] = healthLabel{session: c.session, requestID: c.in.RequestID}
	g.labelsMu.Unlock()

	err := g.publisher.Publish(ctx, admin.TopicHealthCheck,
		map[string]any{"check_id": checkID, "services": services},
		bridge.WithReplyTo(g.healthPrefix+"."+checkID),
		bridge.WithCorrelationID(checkID))
	if err != nil {
		// the sweeper reports every service down at the deadline
		g.logger.Warn("health check publish failed", "checkId", checkID, "error", err)
	}

	return Response{Data: HealthCheckAccepted{CheckID: checkID, Services: services, Deadline: deadline}}, nil
}

// healthReply is one service's answer to a health check
type healthReply struct {
	Service string          `json:"service"`
	Status  string          `json:"status"`
	Healthy *bool           `json:"healthy"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

func (r healthReply) status() string {
	switch {
	case r.Status != "":
		return r.Status
	case r.Healthy != nil && *r.Healthy:
		return session.StatusHealthy
	default:
		return session.StatusUnhealthy
	}
}

func (g *Gateway) handleHealthReply(_ context.Context, msg *bus.Message) {
	checkID := msg.CorrelationID
	if checkID == "" {
		checkID, _ = bus.TrimPrefix(msg.Topic, g.healthPrefix)
	}

	var reply healthReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil || reply.Service == "" {
		g.logger.Warn("malformed health reply", "topic", msg.Topic, "checkId", checkID, "error", err)
		return
	}

	report, done := g.registry.RecordHealth(checkID, reply.Service, session.ServiceHealth{
		Status:  reply.status(),
		Message: reply.Message,
		Details: reply.Details,
	})
	if done {
		g.DeliverHealthReport(*report)
	}
}

// DeliverHealthReport sends a finished health check to the session that
// started it. The sweeper calls it for expired checks.
func (g *Gateway) DeliverHealthReport(report session.HealthReport) {
	g.labelsMu.Lock()
	label, ok := g.labels[report.RequestID]
	delete(g.labels, report.RequestID)
	g.labelsMu.Unlock()
	if !ok {
		label = healthLabel{session: report.SessionID}
	}

	event := EventHealthReport
	if label.requestID != "" {
		event += ":" + label.requestID
	}
	payload := Response{
		Success:   true,
		RequestID: label.requestID,
		Data:      report,
	}
	if err := g.registry.Unicast(label.session, event, payload); err != nil {
		g.logger.Debug("health report not delivered", "connectionId", label.session, "checkId", report.RequestID, "error", err)
	}
}

func (g *Gateway) dropLabels(sessionID string) {
	g.labelsMu.Lock()
	defer g.labelsMu.Unlock()
	for id, l := range g.labels {
		if l.session == sessionID {
			delete(g.labels, id)
		}
	}
}
