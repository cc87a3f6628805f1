package breaker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/opsflow/types"
)

// Manager lazily creates and caches one Breaker per resource name. All
// breakers share the same configuration.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
}

// NewManager creates an empty Manager.
func NewManager(config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config.normalized(),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for resource, creating it on first use.
func (m *Manager) GetOrCreate(resource string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[resource]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// 双重检查
	if b, ok := m.breakers[resource]; ok {
		return b
	}

	b := New(resource, m.config, m.logger)
	m.breakers[resource] = b
	return b
}

// Call runs op behind the resource's breaker. When the breaker is open
// the call is rejected with a CIRCUIT_OPEN error before reaching op;
// otherwise op's outcome feeds the breaker.
func (m *Manager) Call(ctx context.Context, resource string, op func(context.Context) error) error {
	b := m.GetOrCreate(resource)

	if b.IsOpen() {
		return types.NewCircuitOpenError(resource)
	}

	if err := op(ctx); err != nil {
		b.OnFailure()
		return err
	}

	b.OnSuccess()
	return nil
}

// States returns the current state of every known breaker.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.breakers))
	for resource, b := range m.breakers {
		states[resource] = b.State()
	}
	return states
}

// Snapshots returns per-breaker snapshots sorted by resource name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Resource < snaps[j].Resource })
	return snaps
}

// Reset resets a single breaker. Unknown resources are a no-op.
func (m *Manager) Reset(resource string) {
	m.mu.RLock()
	b, ok := m.breakers[resource]
	m.mu.RUnlock()

	if ok {
		b.Reset()
	}
}

// ResetAll resets every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		b.Reset()
	}
}
