// Package types provides shared domain types used across OpsClaw packages
// to avoid import cycles between the control loop and its gates: environments,
// the closed action set, decision sources, runtime events and decisions.
package types

import (
	"fmt"
	"time"
)

// Env identifies a managed environment. Each environment runs its own
// control-loop instance with independent governance and memory.
type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
)

// ParseEnv validates an environment tag.
func ParseEnv(s string) (Env, error) {
	switch Env(s) {
	case EnvDev, EnvStage, EnvProd:
		return Env(s), nil
	}
	return "", fmt.Errorf("unknown environment: %q", s)
}

// Action is the closed set of infrastructure actions the agent may take.
// The integer values are the wire format of the decision service (0-4).
type Action int

const (
	ActionNoop Action = iota
	ActionRestart
	ActionScaleUp
	ActionScaleDown
	ActionRollback

	actionCount
)

var actionNames = [...]string{"noop", "restart", "scale_up", "scale_down", "rollback"}

func (a Action) String() string {
	if a < 0 || a >= actionCount {
		return fmt.Sprintf("invalid(%d)", int(a))
	}
	return actionNames[a]
}

// Valid reports whether a is inside the closed action vocabulary.
func (a Action) Valid() bool {
	return a >= 0 && a < actionCount
}

// ParseAction maps an action name to its Action. Unknown names are rejected;
// there is no free-text action path into the executor.
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if name == s {
			return Action(i), nil
		}
	}
	return ActionNoop, fmt.Errorf("unknown action: %q", s)
}

// ActionFromIndex converts a decision-service action index into an Action.
// Out-of-range indexes are rejected, never clamped.
func ActionFromIndex(i int) (Action, error) {
	if i < 0 || i >= int(actionCount) {
		return ActionNoop, fmt.Errorf("action index %d out of range [0,%d]", i, int(actionCount)-1)
	}
	return Action(i), nil
}

// Source tags where a decision came from. The executor gate checks this set
// exhaustively; an unlabeled decision can never execute.
type Source string

const (
	SourcePolicy           Source = "policy"
	SourceGovernance       Source = "governance"
	SourceSelfRestraint    Source = "self_restraint"
	SourceOnboardingPolicy Source = "onboarding_policy"
)

// ValidSource reports whether s is one of the accepted decision sources.
func ValidSource(s Source) bool {
	switch s {
	case SourcePolicy, SourceGovernance, SourceSelfRestraint, SourceOnboardingPolicy:
		return true
	}
	return false
}

// HealthState is the declared state of a managed entity in a RuntimeEvent.
type HealthState string

const (
	StateHealthy        HealthState = "healthy"
	StateDegraded       HealthState = "degraded"
	StateCritical       HealthState = "critical"
	StateCrashed        HealthState = "crashed"
	StateNewlyOnboarded HealthState = "newly_onboarded"
	StateUnknown        HealthState = "unknown"
)

// ParseHealthState validates a declared entity state.
func ParseHealthState(s string) (HealthState, error) {
	switch HealthState(s) {
	case StateHealthy, StateDegraded, StateCritical, StateCrashed, StateNewlyOnboarded, StateUnknown:
		return HealthState(s), nil
	}
	return "", fmt.Errorf("unknown health state: %q", s)
}

// RuntimeEvent is the input unit of one control-loop cycle. Immutable once
// received; malformed events are rejected whole, never repaired.
type RuntimeEvent struct {
	Entity    string             `json:"entity"`
	Env       Env                `json:"env"`
	State     HealthState        `json:"state"`
	Signals   map[string]float64 `json:"signals,omitempty"`
	Health    map[string]bool    `json:"health,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Validate checks required fields and enum values. An error here
// short-circuits the cycle to blocked with reason invalid_input; the event
// never reaches the DECIDE phase.
func (e RuntimeEvent) Validate() error {
	if e.Entity == "" {
		return fmt.Errorf("missing entity id")
	}
	if _, err := ParseEnv(string(e.Env)); err != nil {
		return err
	}
	if _, err := ParseHealthState(string(e.State)); err != nil {
		return err
	}
	return nil
}

// Decision is the output of one DECIDE phase. Created once per cycle and
// never mutated afterwards; a block replaces the whole Decision.
type Decision struct {
	Action      Action    `json:"action"`
	Confidence  float64   `json:"confidence"`
	Source      Source    `json:"source"`
	Reason      string    `json:"reason,omitempty"`
	Explanation string    `json:"explanation"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecStatus is the terminal status of an execution attempt.
type ExecStatus string

const (
	ExecExecuted  ExecStatus = "executed"
	ExecSimulated ExecStatus = "simulated"
	ExecRefused   ExecStatus = "refused"
	ExecSkipped   ExecStatus = "skipped" // observe mode or blocked before ACT
)

// ExecutionResult is returned by the executor gate.
type ExecutionResult struct {
	Status      ExecStatus `json:"status"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

// ExecutionOutcome summarizes what happened after ENFORCE for one cycle.
type ExecutionOutcome struct {
	Result       ExecutionResult `json:"result"`
	SystemStable bool            `json:"system_stable"`
	Observed     bool            `json:"observed"` // true when ACT was skipped for observe mode
}
