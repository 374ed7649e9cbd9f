package model

import "time"

// Diagnostic kinds recorded by the coordinator.
const (
	DiagDecodeError   = "decode_error"
	DiagBackendError  = "backend_error"
	DiagQueueOverflow = "queue_overflow"
	DiagConnection    = "connection"
)

// Diagnostic is one entry in the coordinator's bounded error history.
// Diagnostics are informational: they never halt message processing.
type Diagnostic struct {
	At       time.Time `json:"at"`
	Endpoint Endpoint  `json:"endpoint,omitempty"`
	Kind     string    `json:"kind"`
	Detail   string    `json:"detail"`
}
