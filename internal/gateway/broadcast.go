package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/htpi/admin-portal/internal/bus"
)

// busEvent is an unsolicited broadcast published by a backend service
type busEvent struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// routeBroadcast resolves the rooms and event name of a bus broadcast.
// Without an explicit room, admin.events.<entity>.<op> goes to event
// admin:<entity>:<op> in room admin:<entity>, and to the tenant room when
// the data names a tenant.
func routeBroadcast(topic string, body []byte) (event string, rooms []string, data json.RawMessage, ok bool) {
	var ev busEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", nil, nil, false
	}

	if ev.Room != "" {
		if ev.Event == "" {
			return "", nil, nil, false
		}
		return ev.Event, []string{ev.Room}, ev.Data, true
	}

	tokens := strings.Split(topic, ".")
	if len(tokens) < 4 {
		return "", nil, nil, false
	}
	entity, op := tokens[2], strings.Join(tokens[3:], ":")

	data = ev.Data
	if ev.Event == "" && len(ev.Data) == 0 {
		// bare payload
		data = body
	}
	if event = ev.Event; event == "" {
		event = "admin:" + entity + ":" + op
	}

	rooms = []string{"admin:" + entity}
	if id := tenantID(data); id != "" {
		rooms = append(rooms, TenantRoom(id))
	}
	return event, rooms, data, true
}

func tenantID(data json.RawMessage) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}
	var ref struct {
		TenantID json.RawMessage `json:"tenant_id"`
		OrgID    json.RawMessage `json:"org_id"`
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return ""
	}
	for _, raw := range []json.RawMessage{ref.TenantID, ref.OrgID} {
		if s := scalar(raw); s != "" {
			return s
		}
	}
	return ""
}

func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (g *Gateway) handleBroadcast(_ context.Context, msg *bus.Message) {
	event, rooms, data, ok := routeBroadcast(msg.Topic, msg.Data)
	if !ok {
		g.logger.Warn("dropping malformed broadcast", "topic", msg.Topic)
		return
	}
	n := g.Notify(event, data, rooms...)
	g.logger.Debug("broadcast delivered", "topic", msg.Topic, "event", event, "rooms", rooms, "sessions", n)
}
