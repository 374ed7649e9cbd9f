package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// GraphSnapshot is the decoded payload for the graph stream: a coarse view
// of the backend knowledge graph.
type GraphSnapshot struct {
	NodeCount int             `json:"nodeCount"`
	EdgeCount int             `json:"edgeCount"`
	Clusters  int             `json:"clusters,omitempty"`
	Delta     json.RawMessage `json:"delta,omitempty"` // Opaque graph diff
	UpdatedAt time.Time       `json:"updatedAt,omitzero"`
}

// AgentStatus is one agent's state within an AgentsSnapshot.
type AgentStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	State   string `json:"state"` // "idle", "running", "error"
	TaskID  string `json:"taskId,omitempty"`
	Updated int64  `json:"updated,omitempty"` // Unix seconds
}

// AgentsSnapshot is the decoded payload for the agents stream.
type AgentsSnapshot struct {
	ActiveCount int           `json:"activeCount"`
	Agents      []AgentStatus `json:"agents,omitempty"`
}

// AnalyticsSnapshot is the decoded payload for the analytics stream. The
// scores are backend-computed; this core treats them as display values.
type AnalyticsSnapshot struct {
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	WindowSec int                `json:"windowSec,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt,omitzero"`
}

// ContextSnapshot is the decoded payload for the context stream: the
// current conversational context summary.
type ContextSnapshot struct {
	ConversationID string          `json:"conversationId,omitempty"`
	TurnCount      int             `json:"turnCount,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// FlashAttentionSnapshot is the decoded payload for the flash-attention
// stream: model inference performance figures.
type FlashAttentionSnapshot struct {
	TokensPerSec float64 `json:"tokensPerSec,omitempty"`
	BatchSize    int     `json:"batchSize,omitempty"`
	Accelerator  string  `json:"accelerator,omitempty"`
	MemoryMB     float64 `json:"memoryMb,omitempty"`
}

// UnifiedContext is the merged snapshot of the most recent decoded value
// from every stream. Streams with no value yet are nil; the merge never
// blocks on a missing stream.
type UnifiedContext struct {
	SessionID      string                  `json:"sessionId"`
	UpdatedAt      time.Time               `json:"updatedAt"`
	Graph          *GraphSnapshot          `json:"graph,omitempty"`
	Agents         *AgentsSnapshot         `json:"agents,omitempty"`
	Analytics      *AnalyticsSnapshot      `json:"analytics,omitempty"`
	Context        *ContextSnapshot        `json:"context,omitempty"`
	FlashAttention *FlashAttentionSnapshot `json:"flashAttention,omitempty"`
}

// DecodePayload decodes a data_update payload into the schema associated
// with the endpoint. The returned value is a pointer to the snapshot type
// for that stream.
func DecodePayload(endpoint Endpoint, data json.RawMessage) (any, error) {
	var (
		v   any
		err error
	)
	switch endpoint {
	case EndpointGraph:
		s := &GraphSnapshot{}
		err = json.Unmarshal(data, s)
		v = s
	case EndpointAgents:
		s := &AgentsSnapshot{}
		err = json.Unmarshal(data, s)
		v = s
	case EndpointAnalytics:
		s := &AnalyticsSnapshot{}
		err = json.Unmarshal(data, s)
		v = s
	case EndpointContext:
		s := &ContextSnapshot{}
		err = json.Unmarshal(data, s)
		v = s
	case EndpointFlashAttention:
		s := &FlashAttentionSnapshot{}
		err = json.Unmarshal(data, s)
		v = s
	default:
		return nil, fmt.Errorf("unknown endpoint %q", endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", endpoint, err)
	}
	return v, nil
}
