package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 👀 配置文件监听器
// =============================================================================
// 轮询 stat 检测配置文件变更，跨平台无额外依赖；
// 变更事件经防抖合并后回调，serve 子命令用它实现日志级别热更新。

// Op 文件变更类型
type Op int

const (
	// OpCreate 文件被创建（此前不存在）
	OpCreate Op = iota
	// OpWrite 文件内容被修改
	OpWrite
	// OpRemove 文件被删除
	OpRemove
)

// String returns the string representation of Op.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Event 一次配置文件变更
type Event struct {
	Path      string    `json:"path"`
	Op        Op        `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// Watcher 监听单个配置文件的变更。
type Watcher struct {
	mu sync.RWMutex

	path     string
	debounce time.Duration
	interval time.Duration

	callbacks []func(Event)
	running   bool
	stopCh    chan struct{}
	events    chan Event

	logger *zap.Logger

	// 轮询状态，仅由 poll goroutine 访问（Start 在启动 goroutine 前初始化一次）
	tracked  bool
	lastMod  time.Time
	lastSize int64
}

// WatcherOption configures the Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to coalesce rapid changes before dispatching.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithPollInterval sets the stat polling interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for one config file. A missing file is not an
// error: the watcher reports OpCreate once the file appears.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	w := &Watcher{
		path:     abs,
		debounce: 100 * time.Millisecond,
		interval: time.Second,
		stopCh:   make(chan struct{}),
		events:   make(chan Event, 16),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := os.Stat(abs); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config path %s: %w", abs, err)
		}
		w.logger.Warn("config file does not exist, watching for creation",
			zap.String("path", abs))
	}
	return w, nil
}

// Path returns the watched file path (absolute).
func (w *Watcher) Path() string { return w.path }

// OnChange registers a callback invoked after each debounced change.
func (w *Watcher) OnChange(fn func(Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Start begins polling. The context cancels the background goroutines; Stop
// must still be called to reset the running flag.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	if info, err := os.Stat(w.path); err == nil {
		w.tracked = true
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
	}

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.interval),
		zap.Duration("debounce", w.debounce),
	)
	return nil
}

// Stop halts the watcher. Stopping a stopped watcher is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	close(w.stopCh)
	w.running = false

	w.logger.Info("config watcher stopped", zap.String("path", w.path))
	return nil
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll 比较 mtime 与文件大小，大小变化兜底粗粒度时钟下的同秒改写。
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	switch {
	case err != nil && os.IsNotExist(err):
		if w.tracked {
			w.tracked = false
			w.emit(OpRemove)
		}
	case err != nil:
		w.logger.Debug("config stat failed", zap.String("path", w.path), zap.Error(err))
	case !w.tracked:
		w.tracked = true
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
		w.emit(OpCreate)
	case info.ModTime().After(w.lastMod) || info.Size() != w.lastSize:
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
		w.emit(OpWrite)
	}
}

func (w *Watcher) emit(op Op) {
	evt := Event{Path: w.path, Op: op, Timestamp: time.Now()}
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("watcher event dropped", zap.String("op", op.String()))
	}
}

// dispatchLoop 防抖状态只属于本 goroutine，定时器经通道触发，
// 回调永远不会与事件写入并发访问同一份待发事件。
func (w *Watcher) dispatchLoop(ctx context.Context) {
	var pending *Event
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case evt := <-w.events:
			pending = &evt // 同一文件只保留最后一个事件
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			if pending == nil {
				continue
			}
			evt := *pending
			pending = nil

			w.mu.RLock()
			callbacks := make([]func(Event), len(w.callbacks))
			copy(callbacks, w.callbacks)
			w.mu.RUnlock()

			w.logger.Debug("dispatching config change",
				zap.String("path", evt.Path),
				zap.String("op", evt.Op.String()),
			)
			for _, cb := range callbacks {
				w.invoke(cb, evt)
			}
		}
	}
}

// invoke 单个回调 panic 不影响其余回调和监听循环。
func (w *Watcher) invoke(cb func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config change callback panicked", zap.Any("recover", r))
		}
	}()
	cb(evt)
}
