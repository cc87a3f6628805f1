package agent

import (
	"sync/atomic"
	"time"
)

// Metrics 单个 Agent 的指标快照
type Metrics struct {
	RequestsHandled   int64         `json:"requests_handled"`
	RequestsSucceeded int64         `json:"requests_succeeded"`
	RequestsFailed    int64         `json:"requests_failed"`
	AvgExecTime       time.Duration `json:"avg_exec_time"`
	SuccessRate       float64       `json:"success_rate"`
}

// metricsRecorder 以原子计数器记录执行指标，热路径零分配。
// 平均耗时为成功调用的累计均值（total / succeeded）。
type metricsRecorder struct {
	handled       atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	totalExecNano atomic.Int64
}

func (m *metricsRecorder) recordHandled() {
	m.handled.Add(1)
}

func (m *metricsRecorder) recordSucceeded(d time.Duration) {
	m.succeeded.Add(1)
	m.totalExecNano.Add(int64(d))
}

func (m *metricsRecorder) recordFailed() {
	m.failed.Add(1)
}

func (m *metricsRecorder) snapshot() Metrics {
	handled := m.handled.Load()
	succeeded := m.succeeded.Load()
	snap := Metrics{
		RequestsHandled:   handled,
		RequestsSucceeded: succeeded,
		RequestsFailed:    m.failed.Load(),
	}
	if succeeded > 0 {
		snap.AvgExecTime = time.Duration(m.totalExecNano.Load() / succeeded)
	}
	if handled > 0 {
		snap.SuccessRate = float64(succeeded) / float64(handled)
	}
	return snap
}
