// Package ctxstore provides workflow-scoped shared state for the runtime.
//
// Each workflow id owns an isolated key/value map guarded by its own lock,
// so unrelated workflows never serialize against each other. Values are
// cached in memory with optional per-entry TTL and written through to a
// pluggable persistence Backend (memory, Redis or a SQL database). The
// cache is authoritative: backend failures are logged and absorbed, and a
// read that misses the cache falls back to the backend before reporting
// ErrContextMiss.
package ctxstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Common errors.
var (
	// ErrContextMiss signals an absent or expired value. It is a plain
	// sentinel so callers can branch without unpacking error chains.
	ErrContextMiss = errors.New("context miss")

	// ErrWorkflowExists is returned by CreateContext when the workflow id
	// is already in use and reset was not requested.
	ErrWorkflowExists = errors.New("workflow context already exists")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("context store is closed")

	// ErrInvalidInput is returned for empty workflow ids or keys.
	ErrInvalidInput = errors.New("invalid input")
)

// IsContextMiss reports whether err signals an absent or expired value.
func IsContextMiss(err error) bool {
	return errors.Is(err, ErrContextMiss)
}

// Config 上下文存储配置
type Config struct {
	// DefaultTTL 默认条目过期时间，<= 0 表示永不过期
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// SweepInterval 过期条目清理间隔，<= 0 关闭后台清理
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// entry is one cached value. version increases on every overwrite.
type entry struct {
	value     json.RawMessage
	version   uint64
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// workflowCtx holds one workflow's values behind its own lock.
type workflowCtx struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newWorkflowCtx() *workflowCtx {
	return &workflowCtx{entries: make(map[string]*entry)}
}

// Stats is a point-in-time snapshot of store state.
type Stats struct {
	Workflows   int    `json:"workflows"`
	Entries     int    `json:"entries"`
	Backend     string `json:"backend"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	BackendHits uint64 `json:"backend_hits"`
}

// ContextStore is the shared workflow state cache.
type ContextStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflowCtx
	closed    bool

	backend Backend
	config  Config
	logger  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once

	hits        atomic.Uint64
	misses      atomic.Uint64
	backendHits atomic.Uint64
}

// New creates a ContextStore on top of backend. A nil backend disables
// persistence, a nil logger disables logging. The background sweeper
// starts when Config.SweepInterval is positive.
func New(config Config, backend Backend, logger *zap.Logger) *ContextStore {
	if backend == nil {
		backend = NewNopBackend()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &ContextStore{
		workflows: make(map[string]*workflowCtx),
		backend:   backend,
		config:    config,
		logger:    logger.With(zap.String("component", "ctxstore")),
		done:      make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go s.sweepLoop()
	}

	s.logger.Info("context store initialized",
		zap.String("backend", backend.Name()),
		zap.Duration("default_ttl", config.DefaultTTL),
	)

	return s
}

// CreateContext creates an empty context for workflowID, seeded with
// initial. A duplicate id is rejected with ErrWorkflowExists unless reset
// is true, in which case the existing values are dropped from the cache
// and the backend before the initial values are applied.
func (s *ContextStore) CreateContext(ctx context.Context, workflowID string, initial map[string]json.RawMessage, reset bool) error {
	if workflowID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	_, exists := s.workflows[workflowID]
	if exists && !reset {
		s.mu.Unlock()
		return ErrWorkflowExists
	}
	s.workflows[workflowID] = newWorkflowCtx()
	s.mu.Unlock()

	if exists {
		if err := s.backend.DeleteWorkflow(ctx, workflowID); err != nil {
			s.logger.Warn("backend reset failed",
				zap.String("workflow_id", workflowID),
				zap.Error(err),
			)
		}
	}

	for key, value := range initial {
		if err := s.SetValue(ctx, workflowID, key, value, 0); err != nil {
			return err
		}
	}

	s.logger.Debug("workflow context created",
		zap.String("workflow_id", workflowID),
		zap.Bool("reset", exists),
		zap.Int("initial_values", len(initial)),
	)
	return nil
}

// SetValue stores value under (workflowID, key), last write wins. The
// workflow context is created implicitly when absent. ttl <= 0 falls back
// to Config.DefaultTTL. The value is written through to the backend;
// backend failures are logged, not returned.
func (s *ContextStore) SetValue(ctx context.Context, workflowID, key string, value json.RawMessage, ttl time.Duration) error {
	if workflowID == "" || key == "" {
		return ErrInvalidInput
	}

	wc, err := s.getOrCreate(workflowID)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	wc.mu.Lock()
	var version uint64 = 1
	if prev, ok := wc.entries[key]; ok {
		version = prev.version + 1
	}
	wc.entries[key] = &entry{value: value, version: version, expiresAt: expiresAt}
	wc.mu.Unlock()

	if err := s.backend.Store(ctx, workflowID, key, value, ttl); err != nil {
		s.logger.Warn("write-through failed",
			zap.String("workflow_id", workflowID),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return nil
}

// GetValue returns the cached value when present and unexpired. On a
// cache miss it consults the backend and rehydrates the cache on a hit.
// An absent or expired value yields ErrContextMiss.
func (s *ContextStore) GetValue(ctx context.Context, workflowID, key string) (json.RawMessage, error) {
	if workflowID == "" || key == "" {
		return nil, ErrInvalidInput
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	wc := s.workflows[workflowID]
	s.mu.RUnlock()

	if wc != nil {
		wc.mu.RLock()
		e, ok := wc.entries[key]
		wc.mu.RUnlock()

		if ok {
			if !e.expired(time.Now()) {
				s.hits.Add(1)
				return e.value, nil
			}
			// 惰性淘汰过期条目
			wc.mu.Lock()
			if cur, still := wc.entries[key]; still && cur.version == e.version {
				delete(wc.entries, key)
			}
			wc.mu.Unlock()
		}
	}

	value, err := s.backend.Load(ctx, workflowID, key)
	if err != nil {
		if !errors.Is(err, ErrBackendMiss) {
			s.logger.Error("backend load failed",
				zap.String("workflow_id", workflowID),
				zap.String("key", key),
				zap.Error(err),
			)
		}
		s.misses.Add(1)
		return nil, ErrContextMiss
	}

	s.backendHits.Add(1)
	s.rehydrate(workflowID, key, value)
	return value, nil
}

// DeleteValue removes a single value from the cache and the backend.
// Deleting an absent value is a no-op.
func (s *ContextStore) DeleteValue(ctx context.Context, workflowID, key string) error {
	if workflowID == "" || key == "" {
		return ErrInvalidInput
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	wc := s.workflows[workflowID]
	s.mu.RUnlock()

	if wc != nil {
		wc.mu.Lock()
		delete(wc.entries, key)
		wc.mu.Unlock()
	}

	if err := s.backend.Delete(ctx, workflowID, key); err != nil {
		s.logger.Warn("backend delete failed",
			zap.String("workflow_id", workflowID),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return nil
}

// DeleteContext removes the workflow context and all of its values from
// the cache and the backend. Unknown ids are a no-op.
func (s *ContextStore) DeleteContext(ctx context.Context, workflowID string) error {
	if workflowID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	delete(s.workflows, workflowID)
	s.mu.Unlock()

	if err := s.backend.DeleteWorkflow(ctx, workflowID); err != nil {
		s.logger.Warn("backend delete workflow failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
	}
	return nil
}

// Stats returns a snapshot of store counters.
func (s *ContextStore) Stats() Stats {
	s.mu.RLock()
	workflows := make([]*workflowCtx, 0, len(s.workflows))
	for _, wc := range s.workflows {
		workflows = append(workflows, wc)
	}
	total := len(s.workflows)
	s.mu.RUnlock()

	entries := 0
	for _, wc := range workflows {
		wc.mu.RLock()
		entries += len(wc.entries)
		wc.mu.RUnlock()
	}

	return Stats{
		Workflows:   total,
		Entries:     entries,
		Backend:     s.backend.Name(),
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		BackendHits: s.backendHits.Load(),
	}
}

// Close stops the sweeper and closes the backend. Close is idempotent.
func (s *ContextStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		err = s.backend.Close()
		s.logger.Info("context store closed")
	})
	return err
}

// getOrCreate returns the workflow context, creating it when absent.
func (s *ContextStore) getOrCreate(workflowID string) (*workflowCtx, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	wc, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if ok {
		return wc, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if wc, ok = s.workflows[workflowID]; ok {
		return wc, nil
	}
	wc = newWorkflowCtx()
	s.workflows[workflowID] = wc
	return wc, nil
}

// rehydrate puts a backend hit back into the cache with the default TTL.
func (s *ContextStore) rehydrate(workflowID, key string, value json.RawMessage) {
	wc, err := s.getOrCreate(workflowID)
	if err != nil {
		return
	}

	var expiresAt time.Time
	if s.config.DefaultTTL > 0 {
		expiresAt = time.Now().Add(s.config.DefaultTTL)
	}

	wc.mu.Lock()
	if _, ok := wc.entries[key]; !ok {
		wc.entries[key] = &entry{value: value, version: 1, expiresAt: expiresAt}
	}
	wc.mu.Unlock()
}

// sweepLoop prunes expired entries in the background. Workflow contexts
// themselves are never removed here so that duplicate-id detection keeps
// working for explicitly created workflows.
func (s *ContextStore) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				s.logger.Debug("expired entries pruned", zap.Int("count", n))
			}
			if p, ok := s.backend.(Pruner); ok {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := p.PruneExpired(ctx); err != nil {
					s.logger.Warn("backend prune failed", zap.Error(err))
				}
				cancel()
			}
		}
	}
}

func (s *ContextStore) sweep() int {
	now := time.Now()

	s.mu.RLock()
	workflows := make([]*workflowCtx, 0, len(s.workflows))
	for _, wc := range s.workflows {
		workflows = append(workflows, wc)
	}
	s.mu.RUnlock()

	pruned := 0
	for _, wc := range workflows {
		wc.mu.Lock()
		for key, e := range wc.entries {
			if e.expired(now) {
				delete(wc.entries, key)
				pruned++
			}
		}
		wc.mu.Unlock()
	}
	return pruned
}
