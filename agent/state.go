package agent

import "fmt"

// State 定义 Agent 生命周期状态
type State string

const (
	StateUninitialized State = "uninitialized" // Created, no resources held
	StateInitializing  State = "initializing"  // Setup hook running
	StateReady         State = "ready"         // Ready to execute
	StateExecuting     State = "executing"     // Handling a request
	StateCleaningUp    State = "cleaning_up"   // Teardown hook running
	StateTerminated    State = "terminated"    // Resources released, terminal
	StateFailed        State = "failed"        // Unrecoverable error, excluded from routing
)

// validTransitions 定义合法的状态转换
var validTransitions = map[State][]State{
	StateUninitialized: {StateInitializing, StateCleaningUp},
	StateInitializing:  {StateReady, StateFailed, StateCleaningUp},
	StateReady:         {StateExecuting, StateCleaningUp},
	StateExecuting:     {StateReady, StateFailed, StateCleaningUp},
	StateCleaningUp:    {StateTerminated},
	StateFailed:        {StateCleaningUp}, // Cleanup still allowed after failure
	StateTerminated:    {},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Healthy reports whether the agent can accept routed requests.
func (s State) Healthy() bool {
	return s == StateReady || s == StateExecuting
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
