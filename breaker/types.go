// breaker/types.go
package breaker

import "time"

// Level identifies which scope a breaker guards.
type Level int

const (
	LevelAgent Level = iota
	LevelAccount
	LevelSystem
)

func (l Level) String() string {
	switch l {
	case LevelAgent:
		return "agent"
	case LevelAccount:
		return "account"
	case LevelSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Valid reports whether the level is one of the defined scopes.
func (l Level) Valid() bool {
	return l == LevelAgent || l == LevelAccount || l == LevelSystem
}

// State is the lifecycle state of a single breaker.
type State int

const (
	// StateNormal - trading allowed, no conditions met.
	StateNormal State = iota
	// StateWarning - advisory only, surfaced through evaluation warnings;
	// it never gates evaluation order.
	StateWarning
	// StateTripped - guarded activity is halted.
	StateTripped
	// StateHalfOpen - probationary, counting consecutive successes.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateTripped:
		return "tripped"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// validTransitions defines the legal state walk. Manual reset and manual
// trigger are the universal edges (any state to normal / tripped); they are
// encoded here explicitly per source state.
var validTransitions = map[State][]State{
	StateNormal:   {StateWarning, StateTripped},
	StateWarning:  {StateNormal, StateTripped},
	StateTripped:  {StateHalfOpen, StateNormal},
	StateHalfOpen: {StateNormal, StateTripped},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason categorizes why a breaker tripped.
type Reason string

const (
	ReasonMaxDrawdown     Reason = "MAX_DRAWDOWN"
	ReasonErrorRate       Reason = "ERROR_RATE"
	ReasonResponseTime    Reason = "RESPONSE_TIME"
	ReasonVolatilitySpike Reason = "VOLATILITY_SPIKE"
	ReasonGapDetection    Reason = "GAP_DETECTION"
	ReasonDailyDrawdown   Reason = "DAILY_DRAWDOWN"
	ReasonSystemFailure   Reason = "SYSTEM_FAILURE"
	ReasonManualTrigger   Reason = "MANUAL_TRIGGER"
)

const (
	// SystemIdentifier is the singleton key of the system-level breaker.
	SystemIdentifier = "system"

	// SystemAgentIdentifier attributes host-resource failures at the agent
	// level. A fuller deployment would key these checks by real agent id.
	SystemAgentIdentifier = "system-agent"
)

// Status is the full observable state of one breaker. Instances are owned
// and mutated by the registry under its lock; snapshots returned to callers
// are copies.
type Status struct {
	Level           Level             `json:"level"`
	Identifier      string            `json:"identifier"`
	State           State             `json:"state"`
	TriggeredAt     *time.Time        `json:"triggered_at,omitempty"`
	ResetAt         *time.Time        `json:"reset_at,omitempty"`
	TriggerReason   Reason            `json:"trigger_reason,omitempty"`
	TriggerDetails  map[string]string `json:"trigger_details,omitempty"`
	FailureCount    int               `json:"failure_count"`
	SuccessCount    int               `json:"success_count"`
	LastFailureAt   *time.Time        `json:"last_failure_at,omitempty"`
	RecoveryTimeout *time.Time        `json:"recovery_timeout,omitempty"`
}

// TriggerEvent describes one breaker trip produced by an evaluation cycle
// or an administrative action.
type TriggerEvent struct {
	Level      Level             `json:"level"`
	Identifier string            `json:"identifier"`
	Reason     Reason            `json:"reason"`
	Details    map[string]string `json:"details,omitempty"`
	At         time.Time         `json:"at"`
}

// Warning is an advisory emitted when a metric crosses the warning fraction
// of its trip threshold without tripping.
type Warning struct {
	Level      Level   `json:"level"`
	Identifier string  `json:"identifier"`
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
}

// EvaluationResult summarizes one evaluation cycle.
type EvaluationResult struct {
	Triggered    []TriggerEvent `json:"triggered"`
	Warnings     []Warning      `json:"warnings,omitempty"`
	SystemState  State          `json:"system_state"`
	TotalTripped int            `json:"total_tripped"`
	EvalTimeMS   float64        `json:"eval_time_ms"`
}

// Snapshot is a copy of all breaker statuses for external queries.
// OverallHealthy is true iff every breaker is in the normal state.
type Snapshot struct {
	SystemBreaker   Status            `json:"system_breaker"`
	AccountBreakers map[string]Status `json:"account_breakers"`
	AgentBreakers   map[string]Status `json:"agent_breakers"`
	OverallHealthy  bool              `json:"overall_healthy"`
}
