package model

// Endpoint identifies one logical realtime stream. The set is closed:
// each endpoint maps to a fixed path appended to the configured base
// address.
type Endpoint string

const (
	EndpointGraph          Endpoint = "graph"
	EndpointAgents         Endpoint = "agents"
	EndpointAnalytics      Endpoint = "analytics"
	EndpointContext        Endpoint = "context"
	EndpointFlashAttention Endpoint = "flash-attention"
)

// AllEndpoints returns every known endpoint in a stable order.
func AllEndpoints() []Endpoint {
	return []Endpoint{
		EndpointGraph,
		EndpointAgents,
		EndpointAnalytics,
		EndpointContext,
		EndpointFlashAttention,
	}
}

// Path returns the relative WebSocket path for this endpoint.
func (e Endpoint) Path() string {
	return "/api/realtime/" + string(e)
}

// Valid reports whether e belongs to the closed endpoint set.
func (e Endpoint) Valid() bool {
	switch e {
	case EndpointGraph, EndpointAgents, EndpointAnalytics, EndpointContext, EndpointFlashAttention:
		return true
	}
	return false
}

func (e Endpoint) String() string {
	return string(e)
}
