package types

// =============================================================================
// Agent registration metadata
// =============================================================================
// The runtime treats agents polymorphically: one capability contract, many
// specialist variants (health, cost, performance, incident, slo, security,
// remediation, tool-proxy, ...). The registry stores this metadata next to
// each agent; the types package is the lowest-level package with no internal
// dependencies, so placing shared registration types here avoids cycles.
// =============================================================================

// AgentType tags the specialist family an agent belongs to.
type AgentType string

const (
	AgentTypeHealth      AgentType = "health"
	AgentTypeCost        AgentType = "cost"
	AgentTypePerformance AgentType = "performance"
	AgentTypeIncident    AgentType = "incident"
	AgentTypeConfig      AgentType = "configuration"
	AgentTypeSLO         AgentType = "slo"
	AgentTypeSecurity    AgentType = "security"
	AgentTypeRemediation AgentType = "remediation"
	AgentTypeToolProxy   AgentType = "tool_proxy"
)

// AgentMeta is supplied at registration and returned in directory snapshots.
type AgentMeta struct {
	Type        AgentType `json:"type"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Named is an optional interface for agents that have a display name.
// Use a type assertion to check for it:
//
//	if named, ok := ag.(types.Named); ok {
//	    fmt.Println(named.Name())
//	}
type Named interface {
	// Name returns the agent's human-readable display name.
	Name() string
}
