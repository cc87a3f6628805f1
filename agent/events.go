package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Bus topics the agent package publishes on.
const (
	TopicStateChange = "agent.state_change"
)

// EventPublisher 是 Agent 所需的最小总线接口，由 bus.MessageBus 实现。
// 置空表示不发布事件。
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, sender string, payload json.RawMessage) (string, error)
}

// StateChangePayload 状态变更事件载荷
type StateChangePayload struct {
	AgentID string    `json:"agent_id"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
}
