package opsflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/opsflow/agent"
	"github.com/BaSui01/opsflow/config"
	"github.com/BaSui01/opsflow/ctxstore"
	"github.com/BaSui01/opsflow/orchestrator"
	"github.com/BaSui01/opsflow/types"
)

func TestNew_Defaults(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)
	require.NotNil(t, rt)

	assert.NotNil(t, rt.Registry)
	assert.NotNil(t, rt.Bus)
	assert.NotNil(t, rt.Store)
	assert.NotNil(t, rt.Breakers)
	assert.NotNil(t, rt.Orchestrator)

	stats := rt.Stats()
	assert.Equal(t, 0, stats.Registry.TotalAgents)
	assert.Equal(t, "none", stats.Store.Backend)

	require.NoError(t, rt.Close())
}

func TestNew_InvalidConfig(t *testing.T) {
	rt, err := New(WithConfig(&config.Config{}))
	require.Error(t, err)
	assert.Nil(t, rt)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNew_WithBackend(t *testing.T) {
	backend, err := ctxstore.NewBackend(ctxstore.BackendConfig{Type: ctxstore.BackendTypeMemory}, nil)
	require.NoError(t, err)

	rt, err := New(WithBackend(backend))
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "memory", rt.Store.Stats().Backend)
}

// TestNew_HistoryCapacityOverride 选项优先于配置中的容量
func TestNew_HistoryCapacityOverride(t *testing.T) {
	rt, err := New(WithMailboxCapacity(2), WithHistoryCapacity(4))
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := rt.Bus.PublishEvent(ctx, "test.topic", "tester", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	assert.Len(t, rt.Bus.History(), 4)
}

// TestRuntime_EndToEnd 注册专家 Agent 后走完整的路由链路
func TestRuntime_EndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "memory"

	rt, err := New(WithConfig(cfg))
	require.NoError(t, err)
	defer rt.Close()

	health := agent.NewToolAgent(agent.Config{
		ID:   "agent-health",
		Name: "Health Agent",
		Type: types.AgentTypeHealth,
	}, rt.Bus, zap.NewNop())
	health.RegisterHandler("check_health", func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"healthy"}`), nil
	})

	require.NoError(t, rt.Registry.RegisterAgent(health, types.AgentMeta{Type: health.Type()}, false))
	require.NoError(t, rt.Registry.RegisterTool(types.ToolDescriptor{
		Name:        "check_health",
		AgentID:     "agent-health",
		Category:    "health",
		Description: "Probe service liveness and readiness",
	}))

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	assert.Equal(t, agent.StateReady, health.State())

	resp, err := rt.HandleRequest(ctx, orchestrator.Request{Query: "check health of the payment service"})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.True(t, resp.Success)
	assert.Equal(t, "health", resp.Intent.Category)
	require.Len(t, resp.ToolCalls, 1)
	assert.JSONEq(t, `{"status":"healthy"}`, string(resp.ToolCalls[0].Result))

	stats := rt.Stats()
	assert.Equal(t, 1, stats.Registry.TotalAgents)
	assert.Equal(t, 1, stats.Registry.HealthyAgents)
	assert.Equal(t, 1, stats.Registry.TotalTools)
	assert.Equal(t, "memory", stats.Store.Backend)
	assert.Greater(t, stats.Bus.Published, int64(0)) // 生命周期事件已发布
	assert.GreaterOrEqual(t, stats.Store.Workflows, 1)
}

func TestRuntime_StartIdempotent(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)
	defer rt.Close()

	a := agent.NewToolAgent(agent.Config{ID: "agent-a", Type: types.AgentTypeToolProxy}, nil, zap.NewNop())
	require.NoError(t, rt.Registry.RegisterAgent(a, types.AgentMeta{Type: a.Type()}, false))

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.Start(ctx))
	assert.Equal(t, agent.StateReady, a.State())
}

func TestRuntime_StartReportsInitFailures(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)
	defer rt.Close()

	bad := agent.NewBaseAgent(agent.Config{ID: "agent-bad", Type: types.AgentTypeToolProxy},
		nil, nil, zap.NewNop()).
		WithSetup(func(ctx context.Context) error { return errors.New("boom") })
	good := agent.NewToolAgent(agent.Config{ID: "agent-good", Type: types.AgentTypeToolProxy}, nil, zap.NewNop())

	require.NoError(t, rt.Registry.RegisterAgent(bad, types.AgentMeta{Type: bad.Type()}, false))
	require.NoError(t, rt.Registry.RegisterAgent(good, types.AgentMeta{Type: good.Type()}, false))

	err = rt.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent-bad")

	// 其余 Agent 仍然完成初始化
	assert.Equal(t, agent.StateReady, good.State())
}

func TestRuntime_CloseIdempotent(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)

	a := agent.NewToolAgent(agent.Config{ID: "agent-a", Type: types.AgentTypeToolProxy}, nil, zap.NewNop())
	require.NoError(t, rt.Registry.RegisterAgent(a, types.AgentMeta{Type: a.Type()}, false))
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Close())
	assert.Equal(t, agent.StateTerminated, a.State())
	require.NoError(t, rt.Close())
}
