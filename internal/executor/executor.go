// Package executor is the last gate before an action touches
// infrastructure. It trusts nothing upstream: source labels, the action
// enum and the environment allowlist are all re-checked here, and every
// refusal is proof-logged before it is returned. A refusal at this gate
// means an earlier gate was bypassed, so refusals log at warn or error.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/opsclaw/internal/proof"
	"github.com/clawinfra/opsclaw/internal/types"
)

// globallyBlockedNames is a fixed deny set of action names refused in
// every environment. The gate checks it by string form, so it covers both
// free-text names arriving over the wire (API or broker) and any action
// the enum might grow later.
var globallyBlockedNames = map[string]bool{
	"delete":         true,
	"drop_database":  true,
	"terminate_all":  true,
	"shutdown_fleet": true,
	"wipe":           true,
}

// GloballyBlocked reports whether a raw action name is denied in every
// environment before it even reaches parsing.
func GloballyBlocked(name string) bool {
	return globallyBlockedNames[name]
}

// demoSafeActions is the fixed set of actions a demo or frozen instance
// may simulate. Rollback is deliberately absent: simulating a rollback
// still implies a previous version exists, which a demo cannot guarantee.
var demoSafeActions = map[types.Action]bool{
	types.ActionNoop:      true,
	types.ActionRestart:   true,
	types.ActionScaleUp:   true,
	types.ActionScaleDown: true,
}

// Runner performs the real infrastructure action once every gate has
// passed. Implementations return a human-readable detail string.
type Runner interface {
	Run(ctx context.Context, env types.Env, entity string, action types.Action) (string, error)
}

// LogRunner is the default Runner: it records the action instead of driving
// real infrastructure. Deployments wire their own Runner for the actions
// they actually support.
type LogRunner struct {
	Logger *slog.Logger
}

func (r *LogRunner) Run(_ context.Context, env types.Env, entity string, action types.Action) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("action executed", "env", string(env), "entity", entity, "action", action.String())
	return fmt.Sprintf("%s on %s completed", action, entity), nil
}

// Gate validates and executes decisions for one environment instance.
type Gate struct {
	env     types.Env
	allowed map[types.Action]bool
	demo    bool
	freeze  bool
	proofs  *proof.Log
	runner  Runner
	logger  *slog.Logger
}

// NewGate creates a Gate. Demo and freeze both downgrade execution to
// simulation; freeze additionally tells the loop not to record outcomes.
func NewGate(env types.Env, allowedActions []types.Action, demo, freeze bool, proofs *proof.Log, runner Runner, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = &LogRunner{Logger: logger}
	}
	allowed := make(map[types.Action]bool, len(allowedActions))
	for _, a := range allowedActions {
		allowed[a] = true
	}
	return &Gate{
		env:     env,
		allowed: allowed,
		demo:    demo,
		freeze:  freeze,
		proofs:  proofs,
		runner:  runner,
		logger:  logger.With("component", "executor", "env", string(env)),
	}
}

// Execute runs the gate checks and, if they pass, the action. The returned
// error is non-nil only when the proof sink fails (fatal) or the runner
// itself failed; refusals are reported in the result, not the error.
func (g *Gate) Execute(ctx context.Context, entity string, d types.Decision) (types.ExecutionResult, error) {
	if !d.Action.Valid() {
		return g.refuse(entity, d, "unknown_action", proof.SeverityError)
	}
	if GloballyBlocked(d.Action.String()) {
		return g.refuse(entity, d, "globally_blocked_action", proof.SeverityError)
	}
	if !types.ValidSource(d.Source) {
		return g.refuse(entity, d, "unknown_source", proof.SeverityError)
	}
	if !g.allowed[d.Action] {
		return g.refuse(entity, d, "action_not_allowed_in_env", proof.SeverityWarn)
	}

	execID := uuid.New().String()

	if g.demo || g.freeze {
		if !demoSafeActions[d.Action] {
			return g.refuse(entity, d, "action_not_demo_safe", proof.SeverityWarn)
		}
		if err := g.appendProof(proof.Record{
			Env: string(g.env), Entity: entity, Kind: proof.KindExec,
			Detail: fmt.Sprintf("simulated %s", d.Action),
			Fields: map[string]any{"action": d.Action.String(), "execution_id": execID, "simulated": true, "source": string(d.Source)},
		}); err != nil {
			return types.ExecutionResult{}, err
		}
		g.logger.Info("action simulated", "entity", entity, "action", d.Action.String())
		return types.ExecutionResult{Status: types.ExecSimulated, ExecutionID: execID, Detail: "simulated"}, nil
	}

	start := time.Now()
	detail, runErr := g.runner.Run(ctx, g.env, entity, d.Action)
	elapsed := time.Since(start)

	rec := proof.Record{
		Env: string(g.env), Entity: entity, Kind: proof.KindExec,
		Detail: detail,
		Fields: map[string]any{
			"action": d.Action.String(), "execution_id": execID,
			"source": string(d.Source), "elapsed_ms": elapsed.Milliseconds(),
		},
	}
	if runErr != nil {
		rec.Severity = proof.SeverityError
		rec.Detail = runErr.Error()
	}
	if err := g.appendProof(rec); err != nil {
		return types.ExecutionResult{}, err
	}

	result := types.ExecutionResult{Status: types.ExecExecuted, ExecutionID: execID, Detail: detail}
	if runErr != nil {
		result.Detail = runErr.Error()
		return result, fmt.Errorf("run %s on %s: %w", d.Action, entity, runErr)
	}
	return result, nil
}

func (g *Gate) refuse(entity string, d types.Decision, reason string, sev proof.Severity) (types.ExecutionResult, error) {
	if err := g.appendProof(proof.Record{
		Env: string(g.env), Entity: entity, Kind: proof.KindRefuse, Severity: sev,
		Detail: reason,
		Fields: map[string]any{"action": d.Action.String(), "source": string(d.Source)},
	}); err != nil {
		return types.ExecutionResult{}, err
	}
	g.logger.Warn("execution refused", "entity", entity, "action", d.Action.String(), "reason", reason)
	return types.ExecutionResult{Status: types.ExecRefused, Reason: reason}, nil
}

func (g *Gate) appendProof(rec proof.Record) error {
	if g.proofs == nil {
		return nil
	}
	if err := g.proofs.Append(rec); err != nil {
		return fmt.Errorf("proof sink: %w", err)
	}
	return nil
}
