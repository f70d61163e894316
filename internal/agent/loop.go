// Package agent runs the decision control loop: one instance per
// environment, one cycle per runtime event. A cycle walks a fixed phase
// sequence (observe, validate, decide, enforce, act, observe results,
// explain) and every phase leaves a proof record. The loop never acts on
// input it cannot validate and never trusts a decision it has not gated.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/opsclaw/internal/executor"
	"github.com/clawinfra/opsclaw/internal/governance"
	"github.com/clawinfra/opsclaw/internal/memory"
	"github.com/clawinfra/opsclaw/internal/policy"
	"github.com/clawinfra/opsclaw/internal/proof"
	"github.com/clawinfra/opsclaw/internal/restraint"
	"github.com/clawinfra/opsclaw/internal/types"
)

// PolicyClient is what the loop needs from the decision service; tests
// substitute a fake that counts calls.
type PolicyClient interface {
	Decide(ctx context.Context, req policy.Request) (policy.Response, error)
}

// DecisionSink receives the outcome of each completed cycle for long-term
// storage. Sink failures are logged, never fatal; the proof log is the
// authoritative record.
type DecisionSink interface {
	Insert(ctx context.Context, env types.Env, entity string, d types.Decision, outcome types.ExecutionOutcome) error
}

// Verdict is the tri-state outcome of the ENFORCE phase.
type Verdict int

const (
	VerdictAct Verdict = iota
	VerdictObserve
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictAct:
		return "act"
	case VerdictObserve:
		return "observe"
	case VerdictBlock:
		return "block"
	}
	return "unknown"
}

// LoopConfig wires one environment instance.
type LoopConfig struct {
	Env                  types.Env
	Memory               *memory.Store
	Governance           *governance.Engine
	Gate                 *executor.Gate
	Policy               PolicyClient
	Proofs               *proof.Log
	Sink                 DecisionSink
	UncertaintyThreshold float64
	RepetitionWindow     time.Duration
	Demo                 bool
	Freeze               bool
	Logger               *slog.Logger
	Now                  func() time.Time
}

// Loop is one environment's control loop.
type Loop struct {
	env    types.Env
	id     string
	logger *slog.Logger
	now    func() time.Time

	machine *Machine
	mem     *memory.Store
	gov     *governance.Engine
	gate    *executor.Gate
	policy  PolicyClient
	proofs  *proof.Log
	sink    DecisionSink

	uncertaintyThreshold float64
	window               time.Duration
	demo                 bool
	freeze               bool

	mu              sync.Mutex
	cycles          int
	started         time.Time
	lastDecision    types.Decision
	lastBlockReason string
	lastBlockType   string
}

// NewLoop builds a Loop from its wired dependencies.
func NewLoop(cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	threshold := cfg.UncertaintyThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	window := cfg.RepetitionWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Loop{
		env:                  cfg.Env,
		id:                   uuid.New().String(),
		logger:               logger.With("component", "agent", "env", string(cfg.Env)),
		now:                  now,
		machine:              NewMachine(),
		mem:                  cfg.Memory,
		gov:                  cfg.Governance,
		gate:                 cfg.Gate,
		policy:               cfg.Policy,
		proofs:               cfg.Proofs,
		sink:                 cfg.Sink,
		uncertaintyThreshold: threshold,
		window:               window,
		demo:                 cfg.Demo,
		freeze:               cfg.Freeze,
		started:              now(),
	}
}

// ID returns the instance's identity.
func (l *Loop) ID() string { return l.id }

// Env returns the environment this loop manages.
func (l *Loop) Env() types.Env { return l.env }

func skippedOutcome() types.ExecutionOutcome {
	return types.ExecutionOutcome{Result: types.ExecutionResult{Status: types.ExecSkipped}}
}

// RunCycle processes one runtime event through the full phase sequence.
// The returned error is fatal (proof sink failure or a broken phase graph);
// ordinary refusals and blocks come back in the decision and outcome.
func (l *Loop) RunCycle(ctx context.Context, event types.RuntimeEvent) (d types.Decision, outcome types.ExecutionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.machine.Reset()
			d = types.Decision{Action: types.ActionNoop, Source: types.SourceGovernance, Reason: "phase_panic", Timestamp: l.now()}
			outcome = skippedOutcome()
			err = l.appendProof(proof.Record{
				Env: string(l.env), Entity: event.Entity, Kind: proof.KindPhaseError,
				Severity: proof.SeverityError, Detail: fmt.Sprint(r),
			})
		}
		l.mu.Lock()
		l.cycles++
		l.lastDecision = d
		l.mu.Unlock()
	}()

	// OBSERVE
	if err := l.step(PhaseObserving); err != nil {
		return d, outcome, err
	}

	// VALIDATE
	if err := l.step(PhaseValidating); err != nil {
		return d, outcome, err
	}
	if verr := event.Validate(); verr != nil {
		if err := l.appendProof(proof.Record{
			Env: string(l.env), Entity: event.Entity, Kind: proof.KindInvalidInput,
			Severity: proof.SeverityWarn, Detail: verr.Error(),
		}); err != nil {
			return d, outcome, err
		}
		d = types.Decision{Action: types.ActionNoop, Source: types.SourceGovernance, Reason: "invalid_input", Timestamp: l.now()}
		d.Explanation = fmt.Sprintf("Rejected event for %q: %v. No action taken.", event.Entity, verr)
		l.setLastBlock(d.Reason, string(d.Source))
		outcome = skippedOutcome()
		if err := l.step(PhaseBlocked); err != nil {
			return d, outcome, err
		}
		return d, outcome, l.step(PhaseIdle)
	}
	if !l.freeze {
		l.mem.RecordState(event.Entity, event.State)
	}

	// DECIDE
	if err := l.step(PhaseDeciding); err != nil {
		return d, outcome, err
	}
	d, err = l.decide(ctx, event)
	if err != nil {
		return d, outcome, err
	}
	if err := l.appendProof(proof.Record{
		Env: string(l.env), Entity: event.Entity, Kind: proof.KindDecision,
		Detail: d.Reason,
		Fields: map[string]any{"action": d.Action.String(), "confidence": d.Confidence, "source": string(d.Source)},
	}); err != nil {
		return d, outcome, err
	}

	// ENFORCE
	if err := l.step(PhaseEnforcing); err != nil {
		return d, outcome, err
	}
	verdict, enforced, err := l.enforce(event, d)
	if err != nil {
		return d, outcome, err
	}
	d = enforced

	switch verdict {
	case VerdictBlock:
		d.Explanation = explainBlock(event.Entity, d)
		l.setLastBlock(d.Reason, string(d.Source))
		l.recordDecision(event.Entity, d, memory.OutcomeBlocked)
		outcome = skippedOutcome()
		if err := l.step(PhaseBlocked); err != nil {
			return d, outcome, err
		}
		return d, outcome, l.step(PhaseIdle)

	case VerdictObserve:
		// ACT is skipped: the inputs contradict themselves, so this cycle
		// only watches.
		outcome = skippedOutcome()
		outcome.Observed = true
		l.recordDecision(event.Entity, d, memory.OutcomeBlocked)
		if err := l.step(PhaseObservingResults); err != nil {
			return d, outcome, err
		}

	case VerdictAct:
		if err := l.step(PhaseActing); err != nil {
			return d, outcome, err
		}
		res, execErr := l.gate.Execute(ctx, event.Entity, d)
		if execErr != nil && res.Status == "" {
			// Proof sink failure inside the gate: fatal.
			return d, outcome, execErr
		}
		outcome.Result = res

		switch res.Status {
		case types.ExecExecuted:
			if execErr == nil {
				outcome.SystemStable = true
				l.recordDecision(event.Entity, d, memory.OutcomeSuccess)
			} else {
				l.recordDecision(event.Entity, d, memory.OutcomeFailure)
			}
		case types.ExecSimulated:
			outcome.SystemStable = true
			l.recordDecision(event.Entity, d, memory.OutcomeSuccess)
		case types.ExecRefused:
			l.setLastBlock(res.Reason, string(types.SourceGovernance))
			l.recordDecision(event.Entity, d, memory.OutcomeBlocked)
		}

		if outcome.SystemStable {
			if err := l.appendProof(proof.Record{
				Env: string(l.env), Entity: event.Entity, Kind: proof.KindSystemStable,
				Fields: map[string]any{"action": d.Action.String(), "execution_id": res.ExecutionID},
			}); err != nil {
				return d, outcome, err
			}
		}
		if err := l.step(PhaseObservingResults); err != nil {
			return d, outcome, err
		}
	}

	// EXPLAIN
	if err := l.step(PhaseExplaining); err != nil {
		return d, outcome, err
	}
	d.Explanation = explain(event.Entity, d, outcome)
	return d, outcome, l.step(PhaseIdle)
}

// decide produces the cycle's decision: onboarding shortcut, memory
// override, or a validated answer from the decision service.
func (l *Loop) decide(ctx context.Context, event types.RuntimeEvent) (types.Decision, error) {
	now := l.now()

	if event.State == types.StateNewlyOnboarded {
		if err := l.appendProof(proof.Record{
			Env: string(l.env), Entity: event.Entity, Kind: proof.KindOnboardingNoop,
			Detail: "newly onboarded entity observed, not acted on",
		}); err != nil {
			return types.Decision{}, err
		}
		return types.Decision{
			Action: types.ActionNoop, Confidence: 1,
			Source: types.SourceOnboardingPolicy, Reason: "newly_onboarded", Timestamp: now,
		}, nil
	}

	mctx := l.mem.Context(event.Entity)
	checkAction := types.ActionNoop
	if mctx.HasLastAction {
		checkAction = mctx.LastAction
	}
	if override, reason := l.mem.ShouldOverride(event.Entity, checkAction, l.window); override {
		if err := l.appendProof(proof.Record{
			Env: string(l.env), Entity: event.Entity, Kind: proof.KindMemoryOverride,
			Severity: proof.SeverityWarn, Detail: reason,
		}); err != nil {
			return types.Decision{}, err
		}
		return types.Decision{
			Action: types.ActionNoop, Confidence: 1,
			Source: types.SourceSelfRestraint, Reason: reason, Timestamp: now,
		}, nil
	}

	if err := l.appendProof(proof.Record{
		Env: string(l.env), Entity: event.Entity, Kind: proof.KindPolicyCall,
		Fields: map[string]any{"state": string(event.State)},
	}); err != nil {
		return types.Decision{}, err
	}

	resp, perr := l.policy.Decide(ctx, policy.Request{
		Entity:  event.Entity,
		Env:     string(l.env),
		State:   string(event.State),
		Signals: event.Signals,
		Memory:  mctx,
	})
	if perr != nil {
		kind := "unknown"
		var te *policy.TransportError
		if errors.As(perr, &te) {
			kind = string(te.Kind)
		}
		if err := l.appendProof(proof.Record{
			Env: string(l.env), Entity: event.Entity, Kind: proof.KindPolicyError,
			Severity: proof.SeverityWarn, Detail: perr.Error(),
			Fields: map[string]any{"kind": kind},
		}); err != nil {
			return types.Decision{}, err
		}
		return types.Decision{
			Action: types.ActionNoop, Confidence: 0,
			Source: types.SourcePolicy, Reason: "policy_unavailable:" + kind, Timestamp: now,
		}, nil
	}

	if err := l.appendProof(proof.Record{
		Env: string(l.env), Entity: event.Entity, Kind: proof.KindPolicyResponse,
		Fields: map[string]any{"action": resp.Action.String(), "confidence": resp.Confidence, "sanitized": resp.Sanitized},
	}); err != nil {
		return types.Decision{}, err
	}
	if resp.Sanitized && resp.Reason == "unsafe_action_refused" {
		if err := l.appendProof(proof.Record{
			Env: string(l.env), Entity: event.Entity, Kind: proof.KindUnsafeActionRefused,
			Severity: proof.SeverityWarn, Detail: "decision service ordered an action outside the environment's safety table",
		}); err != nil {
			return types.Decision{}, err
		}
	}

	return types.Decision{
		Action: resp.Action, Confidence: resp.Confidence,
		Source: types.SourcePolicy, Reason: resp.Reason, Timestamp: now,
	}, nil
}

// enforce runs self-restraint and governance over the decision and returns
// the verdict plus the (possibly replaced) decision.
func (l *Loop) enforce(event types.RuntimeEvent, d types.Decision) (Verdict, types.Decision, error) {
	// Self-restraint: too uncertain to act blocks the cycle outright.
	// Nothing downstream runs, not even governance; an uncertain decision
	// must never reach the gate, and the blocked outcome is what memory
	// remembers for this entity.
	if d.Source == types.SourcePolicy && restraint.CheckUncertainty(d.Confidence, l.uncertaintyThreshold) {
		if err := l.appendProof(proof.Record{
			Env: string(l.env), Entity: event.Entity, Kind: proof.KindUncertaintyNoop,
			Detail: fmt.Sprintf("confidence %.2f below actionable threshold", d.Confidence),
		}); err != nil {
			return VerdictBlock, d, err
		}
		d = types.Decision{
			Action: types.ActionNoop, Confidence: d.Confidence,
			Source: types.SourceSelfRestraint, Reason: "uncertainty_too_high", Timestamp: l.now(),
		}
		return VerdictBlock, d, nil
	}

	// Self-restraint: contradictory signals demote the cycle to observation.
	if conflict, reason := restraint.CheckSignalConflict(event.Signals); conflict {
		if err := l.appendProof(proof.Record{
			Env: string(l.env), Entity: event.Entity, Kind: proof.KindSignalConflict,
			Severity: proof.SeverityWarn, Detail: reason,
		}); err != nil {
			return VerdictBlock, d, err
		}
		d.Reason = reason
		return VerdictObserve, d, nil
	}

	// Governance: eligibility, cooldown, repetition, prerequisites.
	res := l.gov.CheckAndRecord(event.Entity, d.Action, event.Health)
	if !res.Allowed {
		kind := proof.KindGovernanceBlock
		switch res.Check {
		case governance.CheckCooldown:
			kind = proof.KindCooldownActive
		case governance.CheckRepetition:
			kind = proof.KindRepetitionSuppressed
		}
		if err := l.appendProof(proof.Record{
			Env: string(l.env), Entity: event.Entity, Kind: kind,
			Severity: proof.SeverityWarn, Detail: res.Detail,
			Fields: map[string]any{"action": d.Action.String(), "check": string(res.Check), "reason": res.Reason},
		}); err != nil {
			return VerdictBlock, d, err
		}
		d = types.Decision{
			Action: types.ActionNoop, Confidence: d.Confidence,
			Source: types.SourceGovernance, Reason: res.Reason, Timestamp: l.now(),
		}
		return VerdictBlock, d, nil
	}

	return VerdictAct, d, nil
}

// Heartbeat writes a liveness proof record with uptime and cycle count.
func (l *Loop) Heartbeat() error {
	l.mu.Lock()
	cycles := l.cycles
	uptime := l.now().Sub(l.started)
	l.mu.Unlock()

	return l.appendProof(proof.Record{
		Env: string(l.env), Kind: proof.KindHeartbeat,
		Fields: map[string]any{"uptime_sec": uptime.Seconds(), "cycles": cycles},
	})
}

func (l *Loop) recordDecision(entity string, d types.Decision, outcome memory.Outcome) {
	if l.freeze {
		return
	}
	l.mem.RecordDecision(memory.DecisionRecord{
		Entity:     entity,
		Action:     d.Action,
		Source:     d.Source,
		Confidence: d.Confidence,
		Outcome:    outcome,
		Reason:     d.Reason,
		Timestamp:  l.now(),
	})
}

func (l *Loop) setLastBlock(reason, blockType string) {
	l.mu.Lock()
	l.lastBlockReason = reason
	l.lastBlockType = blockType
	l.mu.Unlock()
}

func (l *Loop) step(to Phase) error {
	if err := l.machine.Transition(to); err != nil {
		l.machine.Reset()
		return fmt.Errorf("control loop: %w", err)
	}
	return nil
}

func (l *Loop) appendProof(rec proof.Record) error {
	if l.proofs == nil {
		return nil
	}
	if err := l.proofs.Append(rec); err != nil {
		return fmt.Errorf("proof sink: %w", err)
	}
	return nil
}
