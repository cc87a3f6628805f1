package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/BaSui01/opsflow/agent"
	"github.com/BaSui01/opsflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAgent(t *testing.T, id string, typ types.AgentType) *agent.ToolAgent {
	t.Helper()
	ta := agent.NewToolAgent(agent.Config{ID: id, Type: typ}, nil, zap.NewNop()).
		RegisterHandler("noop", func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		})
	return ta
}

func healthDescriptor(name, owner string) types.ToolDescriptor {
	return types.ToolDescriptor{
		Name:     name,
		AgentID:  owner,
		Category: "health",
		Parameters: types.NewObjectSchema().
			AddProperty("resource", types.NewStringSchema()).
			MustJSON(),
	}
}

func TestRegistry_RegisterAgent(t *testing.T) {
	r := New(zap.NewNop())
	a := newTestAgent(t, "health-1", types.AgentTypeHealth)

	require.NoError(t, r.RegisterAgent(a, types.AgentMeta{Type: types.AgentTypeHealth}, false))

	// 重复注册被拒绝
	err := r.RegisterAgent(newTestAgent(t, "health-1", types.AgentTypeHealth), types.AgentMeta{}, false)
	assert.Equal(t, types.ErrRegistryConflict, types.GetErrorCode(err))

	// replace=true 允许覆盖
	assert.NoError(t, r.RegisterAgent(newTestAgent(t, "health-1", types.AgentTypeHealth), types.AgentMeta{}, true))
	assert.Equal(t, 1, r.Stats().TotalAgents)
}

func TestRegistry_RegisterToolConflict(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.RegisterAgent(newTestAgent(t, "a1", types.AgentTypeHealth), types.AgentMeta{Type: types.AgentTypeHealth}, false))
	require.NoError(t, r.RegisterAgent(newTestAgent(t, "a2", types.AgentTypeCost), types.AgentMeta{Type: types.AgentTypeCost}, false))

	require.NoError(t, r.RegisterTool(healthDescriptor("check_health", "a1")))

	// 同名工具注册被拒绝，第一次注册的 owner 保持不变
	err := r.RegisterTool(healthDescriptor("check_health", "a2"))
	assert.Equal(t, types.ErrRegistryConflict, types.GetErrorCode(err))

	binding, ok := r.LookupTool("check_health")
	require.True(t, ok)
	assert.Equal(t, "a1", binding.Descriptor.AgentID)
}

func TestRegistry_RegisterToolUnknownOwner(t *testing.T) {
	r := New(zap.NewNop())
	err := r.RegisterTool(healthDescriptor("orphan", "ghost"))
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestRegistry_RegisterToolsBulk(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.RegisterAgent(newTestAgent(t, "a1", types.AgentTypeHealth), types.AgentMeta{Type: types.AgentTypeHealth}, false))

	descs := []types.ToolDescriptor{
		healthDescriptor("check_health", ""),
		healthDescriptor("list_alerts", ""),
		healthDescriptor("check_health", ""), // 重复，应跳过
	}
	count, err := r.RegisterToolsBulk("a1", descs)
	assert.Equal(t, 2, count)
	assert.Error(t, err) // 汇总了失败项
	assert.Equal(t, 2, r.Stats().TotalTools)
}

func TestRegistry_LookupAndDeregister(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.RegisterAgent(newTestAgent(t, "a1", types.AgentTypeHealth), types.AgentMeta{Type: types.AgentTypeHealth}, false))
	require.NoError(t, r.RegisterTool(healthDescriptor("check_health", "a1")))

	binding, ok := r.LookupTool("check_health")
	require.True(t, ok)
	assert.Equal(t, "a1", binding.Agent.ID())

	_, ok = r.LookupTool("missing")
	assert.False(t, ok)

	// 注销后工具一并移除
	r.Deregister("a1")
	_, ok = r.LookupTool("check_health")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Stats().TotalTools)

	// 重复注销是 no-op
	r.Deregister("a1")
}

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.RegisterAgent(newTestAgent(t, "b", types.AgentTypeCost), types.AgentMeta{Type: types.AgentTypeCost}, false))
	require.NoError(t, r.RegisterAgent(newTestAgent(t, "a", types.AgentTypeHealth), types.AgentMeta{Type: types.AgentTypeHealth}, false))
	require.NoError(t, r.RegisterTool(healthDescriptor("z_tool", "a")))
	require.NoError(t, r.RegisterTool(healthDescriptor("a_tool", "b")))

	agents := r.ListAgents()
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].ID) // 按 id 排序

	tools := r.ListTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "a_tool", tools[0].Name) // 按名称排序

	// 修改快照不影响目录
	tools[0].Name = "mutated"
	fresh := r.ListTools()
	assert.Equal(t, "a_tool", fresh[0].Name)
}

func TestRegistry_Stats(t *testing.T) {
	r := New(zap.NewNop())
	ready := newTestAgent(t, "ready-1", types.AgentTypeHealth)
	require.NoError(t, ready.Initialize(context.Background()))
	cold := newTestAgent(t, "cold-1", types.AgentTypeCost)

	require.NoError(t, r.RegisterAgent(ready, types.AgentMeta{Type: types.AgentTypeHealth}, false))
	require.NoError(t, r.RegisterAgent(cold, types.AgentMeta{Type: types.AgentTypeCost}, false))
	require.NoError(t, r.RegisterTool(healthDescriptor("check_health", "ready-1")))

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 1, stats.HealthyAgents) // 只有初始化过的 Agent 可路由
	assert.Equal(t, 1, stats.TotalTools)
	assert.Equal(t, 1, stats.ToolsByCategory["health"])
	assert.Equal(t, 1, stats.AgentsByType["health"])
	assert.Equal(t, 1, stats.AgentsByType["cost"])
}

func TestRegistry_ToolsByCategory(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.RegisterAgent(newTestAgent(t, "a1", types.AgentTypeHealth), types.AgentMeta{Type: types.AgentTypeHealth}, false))

	d1 := healthDescriptor("check_health", "a1")
	d2 := healthDescriptor("analyze_cost", "a1")
	d2.Category = "cost"
	require.NoError(t, r.RegisterTool(d1))
	require.NoError(t, r.RegisterTool(d2))

	health := r.ToolsByCategory("health")
	require.Len(t, health, 1)
	assert.Equal(t, "check_health", health[0].Name)
	assert.Empty(t, r.ToolsByCategory("security"))
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.RegisterAgent(newTestAgent(t, "owner", types.AgentTypeHealth), types.AgentMeta{Type: types.AgentTypeHealth}, false))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = r.RegisterTool(healthDescriptor(fmt.Sprintf("tool_%d", n), "owner"))
			r.ListTools()
			r.Stats()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 32, r.Stats().TotalTools)
}
