package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/BaSui01/opsflow/types"

	"go.uber.org/zap"
)

// ToolFunc is one named capability: structured request in, JSON payload out.
// Returned errors should carry a types.ErrorCode; plain errors are folded
// into EXECUTION failures by the wrapping BaseAgent.
type ToolFunc func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error)

// ToolAgent 是标准的具体 Agent 变体：一个 BaseAgent 加一组按名分发的
// 工具处理函数。health / cost / incident 等专家 Agent 只是处理函数集不同。
type ToolAgent struct {
	*BaseAgent
	handlers map[string]ToolFunc
}

// NewToolAgent 创建工具 Agent。处理函数须在 Initialize 之前注册完毕。
func NewToolAgent(cfg Config, bus EventPublisher, logger *zap.Logger) *ToolAgent {
	ta := &ToolAgent{handlers: make(map[string]ToolFunc)}
	ta.BaseAgent = NewBaseAgent(cfg, ExecutorFunc(ta.dispatch), bus, logger)
	return ta
}

// RegisterHandler 按名注册一个工具处理函数，重名时后注册者生效。
func (ta *ToolAgent) RegisterHandler(name string, fn ToolFunc) *ToolAgent {
	ta.handlers[name] = fn
	return ta
}

// Tools 返回已注册的工具名（排序后），供目录登记与统计使用。
func (ta *ToolAgent) Tools() []string {
	names := make([]string, 0, len(ta.handlers))
	for name := range ta.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (ta *ToolAgent) dispatch(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
	fn, ok := ta.handlers[req.Tool]
	if !ok {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("tool %q not registered on agent %s", req.Tool, ta.ID()))
	}
	return fn(ctx, req)
}
