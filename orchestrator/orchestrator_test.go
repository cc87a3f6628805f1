package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/opsflow/agent"
	"github.com/BaSui01/opsflow/breaker"
	"github.com/BaSui01/opsflow/bus"
	"github.com/BaSui01/opsflow/ctxstore"
	"github.com/BaSui01/opsflow/registry"
	"github.com/BaSui01/opsflow/retry"
	"github.com/BaSui01/opsflow/types"
)

// testConfig 关闭慢速退避, 便于单元测试
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{
		Retries:      0,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	cfg.Breaker = breaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	}
	return cfg
}

// registerTool 注册一个就绪的 Agent 并挂载单个工具
func registerTool(t testing.TB, reg *registry.Registry, agentID, tool, category, desc string, exec agent.ExecutorFunc) {
	t.Helper()

	a := agent.NewBaseAgent(agent.Config{
		ID:   agentID,
		Type: types.AgentTypeToolProxy,
	}, exec, nil, zap.NewNop())
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, reg.RegisterAgent(a, types.AgentMeta{Type: a.Type()}, false))
	require.NoError(t, reg.RegisterTool(types.ToolDescriptor{
		Name:        tool,
		AgentID:     agentID,
		Category:    category,
		Description: desc,
	}))
}

func okExecutor(payload string) agent.ExecutorFunc {
	return func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	}
}

// TestOrchestrator_HandleRequest_HealthQuery 端到端: 分类、派发、聚合、事件与持久化
func TestOrchestrator_HandleRequest_HealthQuery(t *testing.T) {
	reg := registry.New(nil)
	registerTool(t, reg, "agent-health", "health_probe", "health", "Check service health endpoints", okExecutor(`{"status":"ok"}`))
	registerTool(t, reg, "agent-cost", "cost_report", "cost", "Monthly cost summary", okExecutor(`{"total":42}`))

	b := bus.New(bus.Config{}, nil)
	defer b.Close()
	b.Subscribe("observer", TopicRequestReceived, TopicRequestCompleted)

	store := ctxstore.New(ctxstore.Config{DefaultTTL: time.Minute}, nil, nil)
	defer store.Close()

	orch := New(testConfig(), reg, zap.NewNop(), WithBus(b), WithStore(store))

	ctx := context.Background()
	resp, err := orch.HandleRequest(ctx, Request{Query: "Check health of container apps"})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, resp.WorkflowID) // 未指定时自动生成
	assert.Equal(t, "health", resp.Intent.Category)
	assert.Greater(t, resp.Intent.Confidence, 0.0)

	// 只有 health 类别的工具被派发
	require.Len(t, resp.ToolCalls, 1)
	call := resp.ToolCalls[0]
	assert.Equal(t, "health_probe", call.Tool)
	assert.Equal(t, "agent-health", call.AgentID)
	assert.Equal(t, types.StatusSuccess, call.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(call.Result))

	assert.Equal(t, 1, resp.Aggregated.Succeeded)
	assert.Equal(t, 0, resp.Aggregated.Failed)
	assert.JSONEq(t, `{"status":"ok"}`, string(resp.Aggregated.Results["health_probe"]))

	// 生命周期事件按序到达
	received, err := b.ReceiveMessage(ctx, "observer", time.Second)
	require.NoError(t, err)
	assert.Equal(t, TopicRequestReceived, received.Topic)

	completed, err := b.ReceiveMessage(ctx, "observer", time.Second)
	require.NoError(t, err)
	assert.Equal(t, TopicRequestCompleted, completed.Topic)

	var donePayload requestCompletedPayload
	require.NoError(t, json.Unmarshal(completed.Payload, &donePayload))
	assert.Equal(t, resp.RequestID, donePayload.RequestID)
	assert.True(t, donePayload.Success)
	assert.Equal(t, 1, donePayload.ToolCalls)

	// 完整响应写入了上下文存储
	raw, err := store.GetValue(ctx, resp.WorkflowID, resultKeyPrefix+resp.RequestID)
	require.NoError(t, err)
	var persisted Response
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, resp.RequestID, persisted.RequestID)
	assert.True(t, persisted.Success)

	metrics := orch.GetMetrics()
	assert.Equal(t, uint64(1), metrics.RequestsTotal)
	assert.Equal(t, uint64(1), metrics.RequestsSucceeded)
	assert.Equal(t, uint64(1), metrics.ToolCalls)
	assert.Equal(t, uint64(0), metrics.ToolFailures)
	assert.Equal(t, int64(1), metrics.Agents["agent-health"].RequestsHandled)
}

// TestOrchestrator_HandleRequest_PartialFailure 单个工具失败不影响同批其它调用
func TestOrchestrator_HandleRequest_PartialFailure(t *testing.T) {
	reg := registry.New(nil)
	registerTool(t, reg, "agent-probe", "health_probe", "health", "Check service health", okExecutor(`{"status":"ok"}`))
	registerTool(t, reg, "agent-deep", "health_deep", "health", "Deep health inspection",
		func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
			return nil, types.NewError(types.ErrValidation, "malformed target")
		})

	orch := New(testConfig(), reg, zap.NewNop())

	resp, err := orch.HandleRequest(context.Background(), Request{Query: "check health status"})
	require.NoError(t, err)

	assert.True(t, resp.Success) // 任一成功即算成功
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, 1, resp.Aggregated.Succeeded)
	assert.Equal(t, 1, resp.Aggregated.Failed)
	assert.Contains(t, resp.Aggregated.Errors["health_deep"], "VALIDATION")
	assert.JSONEq(t, `{"status":"ok"}`, string(resp.Aggregated.Results["health_probe"]))

	metrics := orch.GetMetrics()
	assert.Equal(t, uint64(2), metrics.ToolCalls)
	assert.Equal(t, uint64(1), metrics.ToolFailures)
}

// TestOrchestrator_HandleRequest_NoCandidates 无匹配工具时返回失败响应而非错误
func TestOrchestrator_HandleRequest_NoCandidates(t *testing.T) {
	reg := registry.New(nil)
	registerTool(t, reg, "agent-health", "health_probe", "health", "Check service health", okExecutor(`{}`))

	orch := New(testConfig(), reg, zap.NewNop())

	resp, err := orch.HandleRequest(context.Background(), Request{Query: "make me a sandwich"})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, CategoryGeneral, resp.Intent.Category)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 0, resp.Aggregated.Succeeded)

	metrics := orch.GetMetrics()
	assert.Equal(t, uint64(1), metrics.RequestsFailed)
	assert.Equal(t, uint64(0), metrics.ToolCalls)
}

// TestOrchestrator_HandleRequest_EmptyQuery 空查询直接拒绝
func TestOrchestrator_HandleRequest_EmptyQuery(t *testing.T) {
	orch := New(testConfig(), registry.New(nil), zap.NewNop())

	resp, err := orch.HandleRequest(context.Background(), Request{})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	// 校验失败不计入请求指标
	assert.Equal(t, uint64(0), orch.GetMetrics().RequestsTotal)
}

// TestOrchestrator_BreakerIsolation 熔断只隔离故障工具, 不拖垮其余工具
func TestOrchestrator_BreakerIsolation(t *testing.T) {
	var flakyCalls atomic.Int32

	reg := registry.New(nil)
	registerTool(t, reg, "agent-probe", "health_probe", "health", "Check service health", okExecutor(`{"status":"ok"}`))
	registerTool(t, reg, "agent-flaky", "health_flaky", "health", "Flaky health checker",
		func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
			flakyCalls.Add(1)
			return nil, fmt.Errorf("backend unreachable")
		})

	orch := New(testConfig(), reg, zap.NewNop()) // FailureThreshold=2, Retries=0
	ctx := context.Background()

	// 两次失败后 health_flaky 的熔断器打开
	for i := 0; i < 2; i++ {
		resp, err := orch.HandleRequest(ctx, Request{Query: "check health"})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, 1, resp.Aggregated.Failed)
	}
	assert.Equal(t, int32(2), flakyCalls.Load())
	assert.Equal(t, breaker.StateOpen, orch.Breakers().GetOrCreate("health_flaky").State())

	// 第三次请求: 故障工具被快速拒绝, 执行器不再被调用
	resp, err := orch.HandleRequest(ctx, Request{Query: "check health"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(2), flakyCalls.Load())

	var flakyResult *types.ToolResult
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Tool == "health_flaky" {
			flakyResult = &resp.ToolCalls[i]
		}
	}
	require.NotNil(t, flakyResult)
	assert.Equal(t, types.StatusCircuitOpen, flakyResult.Status)
	assert.Equal(t, types.ErrCircuitOpen, flakyResult.ErrorCode)
	assert.Contains(t, resp.Aggregated.Errors["health_flaky"], "CIRCUIT_OPEN")
}

// TestOrchestrator_RetryWithinRequest 瞬时失败在单次请求内被重试吸收
func TestOrchestrator_RetryWithinRequest(t *testing.T) {
	var calls atomic.Int32

	reg := registry.New(nil)
	registerTool(t, reg, "agent-health", "health_probe", "health", "Check service health",
		func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				return nil, fmt.Errorf("transient glitch")
			}
			return json.RawMessage(`{"status":"ok"}`), nil
		})

	cfg := testConfig()
	cfg.Retry.Retries = 2
	orch := New(cfg, reg, zap.NewNop())

	resp, err := orch.HandleRequest(context.Background(), Request{Query: "check health"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, types.StatusSuccess, resp.ToolCalls[0].Status)

	// 成功后熔断计数归零
	br := orch.Breakers().GetOrCreate("health_probe")
	assert.Equal(t, breaker.StateClosed, br.State())
	assert.Equal(t, 0, br.Failures())
	assert.Equal(t, uint64(0), orch.GetMetrics().ToolFailures)
}

// TestOrchestrator_TimeoutReported 超时折叠为 timeout 状态的结果
func TestOrchestrator_TimeoutReported(t *testing.T) {
	reg := registry.New(nil)
	registerTool(t, reg, "agent-slow", "health_slow", "health", "Slow health scan",
		func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
			time.Sleep(100 * time.Millisecond)
			return json.RawMessage(`{}`), nil
		})

	orch := New(testConfig(), reg, zap.NewNop())

	resp, err := orch.HandleRequest(context.Background(), Request{
		Query:   "check health",
		Timeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, types.StatusTimeout, resp.ToolCalls[0].Status)
	assert.Equal(t, types.ErrTimeout, resp.ToolCalls[0].ErrorCode)
	assert.Contains(t, resp.Aggregated.Errors["health_slow"], "TIMEOUT")
}

// TestOrchestrator_WorkflowIDPropagation 工作流 ID 贯穿请求与执行上下文
func TestOrchestrator_WorkflowIDPropagation(t *testing.T) {
	var gotWorkflow, gotCtxRequest string

	reg := registry.New(nil)
	registerTool(t, reg, "agent-health", "health_probe", "health", "Check service health",
		func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
			gotWorkflow = req.WorkflowID
			gotCtxRequest, _ = types.RequestID(ctx)
			return json.RawMessage(`{}`), nil
		})

	store := ctxstore.New(ctxstore.Config{DefaultTTL: time.Minute}, nil, nil)
	defer store.Close()

	orch := New(testConfig(), reg, zap.NewNop(), WithStore(store))

	resp, err := orch.HandleRequest(context.Background(), Request{
		Query:      "check health",
		WorkflowID: "wf-42",
	})
	require.NoError(t, err)

	assert.Equal(t, "wf-42", resp.WorkflowID)
	assert.Equal(t, "wf-42", gotWorkflow)
	assert.Equal(t, resp.RequestID, gotCtxRequest)

	// 结果落在调用方指定的工作流上下文中
	_, err = store.GetValue(context.Background(), "wf-42", resultKeyPrefix+resp.RequestID)
	assert.NoError(t, err)
}

// TestOrchestrator_MaxToolsPerRequest 候选数量受配置上限约束
func TestOrchestrator_MaxToolsPerRequest(t *testing.T) {
	reg := registry.New(nil)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("agent-%d", i)
		tool := fmt.Sprintf("health_probe_%d", i)
		registerTool(t, reg, id, tool, "health", "Check service health", okExecutor(`{}`))
	}

	cfg := testConfig()
	cfg.MaxToolsPerRequest = 3
	orch := New(cfg, reg, zap.NewNop())

	resp, err := orch.HandleRequest(context.Background(), Request{Query: "check health"})
	require.NoError(t, err)

	assert.Len(t, resp.ToolCalls, 3)
	assert.Len(t, resp.Intent.Candidates, 3)
	assert.Equal(t, 3, resp.Aggregated.Succeeded)
}

// TestOrchestrator_GetCapabilities 测试能力汇总
func TestOrchestrator_GetCapabilities(t *testing.T) {
	reg := registry.New(nil)
	registerTool(t, reg, "agent-health", "health_probe", "health", "Check service health", okExecutor(`{}`))
	registerTool(t, reg, "agent-cost", "cost_report", "cost", "Monthly cost summary", okExecutor(`{}`))

	orch := New(testConfig(), reg, zap.NewNop())

	caps := orch.GetCapabilities()
	assert.Equal(t, NewClassifier().Categories(), caps.Categories)
	assert.Equal(t, []string{"health_probe"}, caps.ToolsByCategory["health"])
	assert.Equal(t, []string{"cost_report"}, caps.ToolsByCategory["cost"])
	assert.Equal(t, 2, caps.TotalTools)
	assert.Equal(t, 2, caps.TotalAgents)
}

// TestOrchestrator_AnalyzeIntent_GeneralFallback general 查询跨全部工具按相似度兜底
func TestOrchestrator_AnalyzeIntent_GeneralFallback(t *testing.T) {
	reg := registry.New(nil)
	registerTool(t, reg, "agent-snapshot", "fleet_snapshot", "configuration", "Summarize fleet inventory", okExecutor(`{}`))
	registerTool(t, reg, "agent-cost", "cost_report", "cost", "Monthly cost summary", okExecutor(`{}`))

	orch := New(testConfig(), reg, zap.NewNop())

	// 不含任何类别关键词, 但与 fleet_snapshot 有词面重叠
	intent := orch.AnalyzeIntent("summarize fleet inventory")
	assert.Equal(t, CategoryGeneral, intent.Category)
	require.NotEmpty(t, intent.Candidates)
	assert.Equal(t, "fleet_snapshot", intent.Candidates[0].Name)

	// 无任何重叠时没有候选
	intent = orch.AnalyzeIntent("bake a birthday cake")
	assert.Empty(t, intent.Candidates)
}

// TestOrchestrator_ConcurrentRequests 并发请求共享同一编排器
func TestOrchestrator_ConcurrentRequests(t *testing.T) {
	reg := registry.New(nil)
	registerTool(t, reg, "agent-health", "health_probe", "health", "Check service health", okExecutor(`{"status":"ok"}`))
	registerTool(t, reg, "agent-cost", "cost_report", "cost", "Monthly cost and spend summary", okExecutor(`{"total":1}`))

	orch := New(testConfig(), reg, zap.NewNop())

	queries := []string{"check health", "how much did we spend"}
	var wg sync.WaitGroup
	errs := make(chan error, 16)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				resp, err := orch.HandleRequest(context.Background(), Request{Query: queries[(i+j)%len(queries)]})
				if err != nil {
					errs <- err
					return
				}
				if !resp.Success {
					errs <- fmt.Errorf("request unexpectedly failed: %+v", resp.Aggregated)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	metrics := orch.GetMetrics()
	assert.Equal(t, uint64(40), metrics.RequestsTotal)
	assert.Equal(t, uint64(40), metrics.RequestsSucceeded)
}

// BenchmarkOrchestrator_HandleRequest 基准单工具请求闭环
func BenchmarkOrchestrator_HandleRequest(b *testing.B) {
	reg := registry.New(nil)
	registerTool(b, reg, "agent-health", "health_probe", "health", "Check service health", okExecutor(`{"status":"ok"}`))

	orch := New(testConfig(), reg, zap.NewNop())
	ctx := context.Background()
	req := Request{Query: "check health"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = orch.HandleRequest(ctx, req)
	}
}
