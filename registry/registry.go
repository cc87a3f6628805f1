// Package registry implements the agent and tool directory.
// It is a leaf component: it has no knowledge of the orchestrator.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/opsflow/agent"
	"github.com/BaSui01/opsflow/types"

	"go.uber.org/zap"
)

// Registry maps agent ids to live agents and tool names to their owners.
// It provides a centralized directory for routing; registration mutations
// are guarded by a single registry-scoped RWMutex.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	tools  map[string]types.ToolDescriptor
	logger *zap.Logger
}

type agentEntry struct {
	agent        agent.Agent
	meta         types.AgentMeta
	registeredAt time.Time
}

// AgentInfo is a point-in-time directory snapshot of one agent.
type AgentInfo struct {
	ID           string          `json:"id"`
	Meta         types.AgentMeta `json:"meta"`
	State        agent.State     `json:"state"`
	Metrics      agent.Metrics   `json:"metrics"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// ToolBinding pairs a tool descriptor with its owning agent.
type ToolBinding struct {
	Agent      agent.Agent
	Descriptor types.ToolDescriptor
}

// Stats aggregates directory counts for dashboards.
type Stats struct {
	TotalAgents     int            `json:"total_agents"`
	HealthyAgents   int            `json:"healthy_agents"`
	TotalTools      int            `json:"total_tools"`
	ToolsByCategory map[string]int `json:"tools_by_category"`
	AgentsByType    map[string]int `json:"agents_by_type"`
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*agentEntry),
		tools:  make(map[string]types.ToolDescriptor),
		logger: logger.With(zap.String("component", "registry")),
	}
}

// RegisterAgent stores an agent with its metadata. A duplicate id is rejected
// with a REGISTRY_CONFLICT error unless replace is set.
func (r *Registry) RegisterAgent(a agent.Agent, meta types.AgentMeta, replace bool) error {
	if a == nil || a.ID() == "" {
		return types.NewError(types.ErrValidation, "agent must have a non-empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID()]; exists && !replace {
		return types.NewConflictError("agent", a.ID())
	}
	r.agents[a.ID()] = &agentEntry{agent: a, meta: meta, registeredAt: time.Now()}

	r.logger.Info("agent registered",
		zap.String("agent_id", a.ID()),
		zap.String("type", string(meta.Type)),
		zap.Bool("replace", replace),
	)
	return nil
}

// RegisterTool adds a tool under its unique name. The owning agent must
// already be registered. Name conflicts are rejected: the first
// registration wins and the duplicate gets a REGISTRY_CONFLICT error.
func (r *Registry) RegisterTool(desc types.ToolDescriptor) error {
	if desc.Name == "" {
		return types.NewError(types.ErrValidation, "tool name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[desc.AgentID]; !ok {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("tool %q owner agent %q not registered", desc.Name, desc.AgentID))
	}
	if existing, exists := r.tools[desc.Name]; exists {
		r.logger.Warn("tool name conflict rejected",
			zap.String("tool", desc.Name),
			zap.String("owner", existing.AgentID),
			zap.String("rejected_owner", desc.AgentID),
		)
		return types.NewConflictError("tool", desc.Name)
	}
	r.tools[desc.Name] = desc

	r.logger.Info("tool registered",
		zap.String("tool", desc.Name),
		zap.String("agent_id", desc.AgentID),
		zap.String("category", desc.Category),
	)
	return nil
}

// RegisterToolsBulk registers a batch of tools for one owner, best-effort.
// It continues past individual failures and returns the success count plus
// the joined failures, if any. Not atomic.
func (r *Registry) RegisterToolsBulk(ownerID string, descs []types.ToolDescriptor) (int, error) {
	registered := 0
	var errs []error
	for _, desc := range descs {
		desc.AgentID = ownerID
		if err := r.RegisterTool(desc); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}
	if len(errs) > 0 {
		r.logger.Warn("bulk tool registration partially failed",
			zap.String("agent_id", ownerID),
			zap.Int("registered", registered),
			zap.Int("failed", len(errs)),
		)
	}
	return registered, errors.Join(errs...)
}

// Deregister removes an agent and every tool it owns. Unknown ids are a no-op.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return
	}
	delete(r.agents, agentID)
	for name, desc := range r.tools {
		if desc.AgentID == agentID {
			delete(r.tools, name)
		}
	}
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
}

// GetAgent returns the live agent for an id.
func (r *Registry) GetAgent(agentID string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return entry.agent, true
}

// LookupTool returns the tool's binding, or ok=false when the name is unknown.
func (r *Registry) LookupTool(name string) (ToolBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.tools[name]
	if !ok {
		return ToolBinding{}, false
	}
	entry, ok := r.agents[desc.AgentID]
	if !ok {
		// Owner was deregistered out from under the tool.
		return ToolBinding{}, false
	}
	return ToolBinding{Agent: entry.agent, Descriptor: desc}, true
}

// ListAgents returns a point-in-time snapshot, sorted by id.
func (r *Registry) ListAgents() []AgentInfo {
	r.mu.RLock()
	infos := make([]AgentInfo, 0, len(r.agents))
	for id, entry := range r.agents {
		infos = append(infos, AgentInfo{
			ID:           id,
			Meta:         entry.meta,
			State:        entry.agent.State(),
			Metrics:      entry.agent.Metrics(),
			RegisteredAt: entry.registeredAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ListTools returns a point-in-time snapshot, sorted by name.
func (r *Registry) ListTools() []types.ToolDescriptor {
	r.mu.RLock()
	descs := make([]types.ToolDescriptor, 0, len(r.tools))
	for _, desc := range r.tools {
		descs = append(descs, desc)
	}
	r.mu.RUnlock()

	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// ToolsByCategory returns the tools in one category, sorted by name.
func (r *Registry) ToolsByCategory(category string) []types.ToolDescriptor {
	r.mu.RLock()
	var descs []types.ToolDescriptor
	for _, desc := range r.tools {
		if desc.Category == category {
			descs = append(descs, desc)
		}
	}
	r.mu.RUnlock()

	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Stats returns aggregate directory counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalAgents:     len(r.agents),
		TotalTools:      len(r.tools),
		ToolsByCategory: make(map[string]int),
		AgentsByType:    make(map[string]int),
	}
	for _, entry := range r.agents {
		if entry.agent.State().Healthy() {
			stats.HealthyAgents++
		}
		stats.AgentsByType[string(entry.meta.Type)]++
	}
	for _, desc := range r.tools {
		stats.ToolsByCategory[desc.Category]++
	}
	return stats
}
