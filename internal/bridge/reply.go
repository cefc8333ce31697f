package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Reply is the envelope every responder answers with
type Reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	User    json.RawMessage `json:"user,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`

	CorrelationID string          `json:"-"`
	Raw           json.RawMessage `json:"-"`
}

// ParseReply validates and decodes a reply payload
func ParseReply(payload []byte) (*Reply, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedReply)
	}

	success, ok := fields["success"]
	if !ok {
		return nil, fmt.Errorf("%w: missing success field", ErrMalformedReply)
	}
	var flag bool
	if err := json.Unmarshal(success, &flag); err != nil {
		return nil, fmt.Errorf("%w: success is not a boolean", ErrMalformedReply)
	}

	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	r.Raw = append(json.RawMessage(nil), payload...)
	return &r, nil
}

// Err returns a *RejectedError when the responder reported failure
func (r *Reply) Err() error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = r.Message
	}
	return &RejectedError{Message: msg}
}

// Decode unmarshals Data into v. A missing or null data field leaves v untouched.
func (r *Reply) Decode(v any) error {
	if isNull(r.Data) {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformedReply, err)
	}
	return nil
}

// UserPayload returns the user object, which responders put either at the
// top level or under data.user
func (r *Reply) UserPayload() json.RawMessage {
	if !isNull(r.User) {
		return r.User
	}
	if isNull(r.Data) {
		return nil
	}
	var nested struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(r.Data, &nested); err != nil || isNull(nested.User) {
		return nil
	}
	return nested.User
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
