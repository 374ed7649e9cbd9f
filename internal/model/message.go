package model

import (
	"encoding/json"
	"time"
)

// Message types understood by the realtime core. Unrecognized types are
// logged and discarded by the coordinator.
const (
	TypeDataUpdate = "data_update"
	TypeError      = "error"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeStatus     = "status"
	TypeInitialize = "initialize"
	TypeRefresh    = "refresh"
)

// Message is the wire envelope exchanged with the backend. Immutable once
// constructed; the payload stays opaque until the coordinator decodes it
// into the endpoint's schema.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	SessionID string          `json:"sessionId,omitempty"`
}

// NewControl builds a control message (initialize, refresh, ping, pong)
// stamped with the session id and current time.
func NewControl(msgType, sessionID string, data json.RawMessage) Message {
	return Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
}

// pingPayload is carried in locally originated keep-alive pings so the
// matching pong can be attributed to its send time.
type pingPayload struct {
	SentAt int64 `json:"sentAt"` // Nanoseconds since Unix epoch
}

// NewPing builds a keep-alive ping carrying a nanosecond send mark.
func NewPing(sessionID string, now time.Time) Message {
	data, _ := json.Marshal(pingPayload{SentAt: now.UnixNano()})
	return NewControl(TypePing, sessionID, data)
}

// PingSentAt extracts the send mark from a ping or pong payload. Returns
// false when the payload does not carry one.
func PingSentAt(data json.RawMessage) (time.Time, bool) {
	var p pingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SentAt == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, p.SentAt), true
}
