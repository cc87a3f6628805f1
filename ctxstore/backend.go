package ctxstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrBackendMiss is returned by Backend.Load when the backend holds no
// live value for the requested (workflow id, key) pair.
var ErrBackendMiss = errors.New("backend miss")

// Backend is the pluggable write-through persistence layer behind the
// ContextStore. The in-memory cache stays authoritative; backend failures
// degrade persistence but never fail the caller.
type Backend interface {
	// Load returns the persisted value or ErrBackendMiss.
	Load(ctx context.Context, workflowID, key string) (json.RawMessage, error)

	// Store persists a value. ttl <= 0 means no expiry.
	Store(ctx context.Context, workflowID, key string, value json.RawMessage, ttl time.Duration) error

	// Delete removes a single value. Deleting an absent value is not an error.
	Delete(ctx context.Context, workflowID, key string) error

	// DeleteWorkflow removes every value belonging to the workflow.
	DeleteWorkflow(ctx context.Context, workflowID string) error

	// Name identifies the backend in stats and logs.
	Name() string

	// Close releases backend resources.
	Close() error
}

// Pruner is an optional Backend extension for backends that cannot expire
// entries natively. The store sweeper invokes it when present.
type Pruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// =============================================================================
// Nop backend
// =============================================================================

// nopBackend discards writes and misses on every read. Used when
// persistence is disabled.
type nopBackend struct{}

// NewNopBackend returns a backend that persists nothing.
func NewNopBackend() Backend { return nopBackend{} }

func (nopBackend) Load(context.Context, string, string) (json.RawMessage, error) {
	return nil, ErrBackendMiss
}

func (nopBackend) Store(context.Context, string, string, json.RawMessage, time.Duration) error {
	return nil
}

func (nopBackend) Delete(context.Context, string, string) error { return nil }

func (nopBackend) DeleteWorkflow(context.Context, string) error { return nil }

func (nopBackend) Name() string { return "none" }

func (nopBackend) Close() error { return nil }

// =============================================================================
// Memory backend
// =============================================================================

type memoryItem struct {
	value     json.RawMessage
	expiresAt time.Time
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// MemoryBackend keeps persisted values in process memory. Suitable for
// development and tests; state is lost on restart.
type MemoryBackend struct {
	mu        sync.RWMutex
	workflows map[string]map[string]memoryItem
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{workflows: make(map[string]map[string]memoryItem)}
}

func (b *MemoryBackend) Load(_ context.Context, workflowID, key string) (json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	items, ok := b.workflows[workflowID]
	if !ok {
		return nil, ErrBackendMiss
	}
	it, ok := items[key]
	if !ok || it.expired(time.Now()) {
		return nil, ErrBackendMiss
	}
	return it.value, nil
}

func (b *MemoryBackend) Store(_ context.Context, workflowID, key string, value json.RawMessage, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	items, ok := b.workflows[workflowID]
	if !ok {
		items = make(map[string]memoryItem)
		b.workflows[workflowID] = items
	}
	items[key] = memoryItem{value: value, expiresAt: expiresAt}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, workflowID, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if items, ok := b.workflows[workflowID]; ok {
		delete(items, key)
		if len(items) == 0 {
			delete(b.workflows, workflowID)
		}
	}
	return nil
}

func (b *MemoryBackend) DeleteWorkflow(_ context.Context, workflowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.workflows, workflowID)
	return nil
}

// PruneExpired drops every expired item and empty workflow bucket.
func (b *MemoryBackend) PruneExpired(_ context.Context) (int64, error) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	var pruned int64
	for wf, items := range b.workflows {
		for key, it := range items {
			if it.expired(now) {
				delete(items, key)
				pruned++
			}
		}
		if len(items) == 0 {
			delete(b.workflows, wf)
		}
	}
	return pruned, nil
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Close() error { return nil }
