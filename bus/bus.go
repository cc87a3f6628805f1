package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/opsflow/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 哨兵错误：用 errors.Is 判断，不是故障而是正常分支信号。
var (
	// ErrNoMailbox 目标 Agent 没有邮箱（未订阅或已退订）
	ErrNoMailbox = errors.New("bus: no mailbox for agent")

	// ErrReceiveTimeout 等待超时且无消息到达
	ErrReceiveTimeout = errors.New("bus: receive timeout")

	// ErrClosed 总线已关闭
	ErrClosed = errors.New("bus: closed")
)

const (
	defaultMailboxCapacity = 256
	defaultHistoryCapacity = 1024
)

// Config 总线容量配置
type Config struct {
	MailboxCapacity int `json:"mailbox_capacity" yaml:"mailbox_capacity"` // 每个邮箱的上限，默认 256
	HistoryCapacity int `json:"history_capacity" yaml:"history_capacity"` // 事件历史环容量，默认 1024
}

// DefaultConfig 返回默认总线配置
func DefaultConfig() Config {
	return Config{
		MailboxCapacity: defaultMailboxCapacity,
		HistoryCapacity: defaultHistoryCapacity,
	}
}

// Stats 总线统计
type Stats struct {
	Subscribers int   `json:"subscribers"`
	HistorySize int   `json:"history_size"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Mailbox 单个 Agent 的有界 FIFO 队列。
type Mailbox struct {
	agentID string

	mu     sync.Mutex
	queue  *ring[types.Message]
	topics map[string]struct{}
	all    bool // 订阅全部主题

	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Int64
}

func newMailbox(agentID string, capacity int) *Mailbox {
	return &Mailbox{
		agentID: agentID,
		queue:   newRing[types.Message](capacity),
		topics:  make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// AgentID 返回邮箱归属的 Agent。
func (mb *Mailbox) AgentID() string { return mb.agentID }

// Len 返回当前积压的消息数。
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.queue.len()
}

// Dropped 返回因溢出被丢弃的消息数。
func (mb *Mailbox) Dropped() int64 { return mb.dropped.Load() }

func (mb *Mailbox) subscribe(topics []string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(topics) == 0 {
		mb.all = true
		return
	}
	for _, t := range topics {
		mb.topics[t] = struct{}{}
	}
}

func (mb *Mailbox) matches(topic string) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.all {
		return true
	}
	_, ok := mb.topics[topic]
	return ok
}

// enqueue 入队；满时淘汰最旧并返回 true。
func (mb *Mailbox) enqueue(msg types.Message) bool {
	mb.mu.Lock()
	dropped := mb.queue.push(msg)
	mb.mu.Unlock()

	if dropped {
		mb.dropped.Add(1)
	}
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return dropped
}

// dequeue 严格按 FIFO 出队；队列空时阻塞直到有消息、超时或邮箱关闭。
func (mb *Mailbox) dequeue(ctx context.Context, timeout time.Duration) (*types.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		mb.mu.Lock()
		if msg, ok := mb.queue.pop(); ok {
			mb.mu.Unlock()
			return &msg, nil
		}
		mb.mu.Unlock()

		select {
		case <-mb.notify:
			// 重新检查队列；信号可能被并发消费者抢走
		case <-timer.C:
			return nil, ErrReceiveTimeout
		case <-mb.done:
			return nil, ErrNoMailbox
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (mb *Mailbox) close() {
	select {
	case <-mb.done:
	default:
		close(mb.done)
	}
}

// MessageBus 进程内消息总线。
type MessageBus struct {
	config Config
	logger *zap.Logger

	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	closed    bool

	historyMu sync.Mutex
	history   *ring[types.Message]

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// New 创建消息总线。
func New(cfg Config, logger *zap.Logger) *MessageBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = defaultMailboxCapacity
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = defaultHistoryCapacity
	}
	return &MessageBus{
		config:    cfg,
		logger:    logger.With(zap.String("component", "bus")),
		mailboxes: make(map[string]*Mailbox),
		history:   newRing[types.Message](cfg.HistoryCapacity),
	}
}

// Subscribe 为 Agent 创建邮箱（幂等）。不带主题表示订阅全部主题；
// 重复订阅返回同一邮箱并将主题并入已有集合。
func (b *MessageBus) Subscribe(agentID string, topics ...string) *Mailbox {
	b.mu.Lock()
	mb, ok := b.mailboxes[agentID]
	if !ok {
		mb = newMailbox(agentID, b.config.MailboxCapacity)
		b.mailboxes[agentID] = mb
		b.logger.Debug("mailbox created", zap.String("agent_id", agentID))
	}
	b.mu.Unlock()

	mb.subscribe(topics)
	return mb
}

// Unsubscribe 移除 Agent 的邮箱，未消费的消息被丢弃。
func (b *MessageBus) Unsubscribe(agentID string) {
	b.mu.Lock()
	mb, ok := b.mailboxes[agentID]
	if ok {
		delete(b.mailboxes, agentID)
	}
	b.mu.Unlock()

	if ok {
		mb.close()
		b.logger.Debug("mailbox removed", zap.String("agent_id", agentID))
	}
}

// PublishEvent 向订阅了该主题的所有邮箱扇出一条事件，并在历史环中
// 记录一条（仅一条）。没有订阅者也算成功；返回消息 ID。
func (b *MessageBus) PublishEvent(ctx context.Context, topic, sender string, payload json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.isClosed() {
		return "", ErrClosed
	}

	msg := types.NewEvent(topic, sender, payload)
	msg.ID = uuid.NewString()

	b.historyMu.Lock()
	b.history.push(msg)
	b.historyMu.Unlock()
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]*Mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		if mb.matches(topic) {
			targets = append(targets, mb)
		}
	}
	b.mu.RUnlock()

	for _, mb := range targets {
		if mb.enqueue(msg) {
			b.dropped.Add(1)
			b.logger.Warn("mailbox overflow, oldest message dropped",
				zap.String("agent_id", mb.agentID),
				zap.String("topic", topic),
			)
		}
		b.delivered.Add(1)
	}
	return msg.ID, nil
}

// SendMessage 点对点投递，只进入指定接收者的邮箱，不扇出也不进历史。
// 接收者没有邮箱时立即失败（ErrNoMailbox），由调用方决定重试。
func (b *MessageBus) SendMessage(ctx context.Context, sender, recipient string, payload json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.isClosed() {
		return "", ErrClosed
	}

	b.mu.RLock()
	mb, ok := b.mailboxes[recipient]
	b.mu.RUnlock()
	if !ok {
		return "", ErrNoMailbox
	}

	msg := types.NewDirect(sender, recipient, payload)
	msg.ID = uuid.NewString()

	b.published.Add(1)
	if mb.enqueue(msg) {
		b.dropped.Add(1)
		b.logger.Warn("mailbox overflow, oldest message dropped",
			zap.String("agent_id", recipient),
			zap.String("sender", sender),
		)
	}
	b.delivered.Add(1)
	return msg.ID, nil
}

// ReceiveMessage 阻塞等待下一条消息，按邮箱内 FIFO 顺序出队。
// 超时返回 ErrReceiveTimeout；Agent 未订阅返回 ErrNoMailbox。
func (b *MessageBus) ReceiveMessage(ctx context.Context, agentID string, timeout time.Duration) (*types.Message, error) {
	b.mu.RLock()
	mb, ok := b.mailboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNoMailbox
	}
	return mb.dequeue(ctx, timeout)
}

// History 返回事件历史快照（从旧到新）。
func (b *MessageBus) History() []types.Message {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	return b.history.snapshot()
}

// Stats 返回总线统计。
func (b *MessageBus) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.mailboxes)
	b.mu.RUnlock()

	b.historyMu.Lock()
	historySize := b.history.len()
	b.historyMu.Unlock()

	return Stats{
		Subscribers: subscribers,
		HistorySize: historySize,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close 关闭总线并唤醒所有等待者。幂等。
func (b *MessageBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	mailboxes := make([]*Mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		mailboxes = append(mailboxes, mb)
	}
	b.mu.Unlock()

	for _, mb := range mailboxes {
		mb.close()
	}
	b.logger.Info("bus closed")
}

func (b *MessageBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
