// Package governance is the rule gate between a decision and its execution.
// It answers one question per cycle: may this action run against this entity
// right now. Checks run in a fixed order (eligibility, cooldown, repetition,
// prerequisites) and the first failure wins; a pass records the attempt under
// the same lock, so two concurrent cycles can never both clear a cooldown.
package governance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/opsclaw/internal/types"
)

// Check names which governance rule produced a verdict.
type Check string

const (
	CheckNone         Check = ""
	CheckEligibility  Check = "eligibility"
	CheckCooldown     Check = "cooldown"
	CheckRepetition   Check = "repetition"
	CheckPrerequisite Check = "prerequisite"
)

// Result is a governance verdict. Reason is the stable machine-readable
// string carried into the blocked decision; Detail is the human-readable
// context and only ever lands in proof record details.
type Result struct {
	Allowed bool
	Check   Check
	Reason  string
	Detail  string
}

func allowed() Result {
	return Result{Allowed: true}
}

func blocked(check Check, reason, detail string) Result {
	return Result{Check: check, Reason: reason, Detail: detail}
}

// Engine enforces the governance rules for one environment instance.
type Engine struct {
	env             types.Env
	eligible        map[types.Action]bool
	cooldowns       map[types.Action]time.Duration
	repetitionLimit int
	window          time.Duration
	prereqs         map[types.Action][]string
	frozen          bool

	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastRun  map[string]time.Time // entity|action -> last recorded attempt
	attempts map[string][]time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPrerequisites sets per-action health keys that must be true on the
// triggering event before the action may run.
func WithPrerequisites(p map[types.Action][]string) Option {
	return func(e *Engine) { e.prereqs = p }
}

// WithFrozen disables attempt recording. Checks still run against whatever
// history exists, so a frozen instance is deterministic: the same input
// always yields the same verdict.
func WithFrozen(frozen bool) Option {
	return func(e *Engine) { e.frozen = frozen }
}

// New creates an Engine for env. allowedActions is the environment's
// allowlist, cooldowns the per-action minimum spacing, repetitionLimit and
// window the sliding-window suppression rule.
func New(env types.Env, allowedActions []types.Action, cooldowns map[types.Action]time.Duration,
	repetitionLimit int, window time.Duration, logger *slog.Logger, opts ...Option) *Engine {

	if logger == nil {
		logger = slog.Default()
	}
	eligible := make(map[types.Action]bool, len(allowedActions))
	for _, a := range allowedActions {
		eligible[a] = true
	}
	e := &Engine{
		env:             env,
		eligible:        eligible,
		cooldowns:       cooldowns,
		repetitionLimit: repetitionLimit,
		window:          window,
		logger:          logger.With("component", "governance", "env", string(env)),
		now:             time.Now,
		lastRun:         make(map[string]time.Time),
		attempts:        make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func key(entity string, action types.Action) string {
	return entity + "|" + action.String()
}

// CheckAndRecord runs all checks for (entity, action) against the event's
// health map and, when every check passes, records the attempt. Recording is
// skipped when the engine is frozen.
func (e *Engine) CheckAndRecord(entity string, action types.Action, health map[string]bool) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	if !e.eligible[action] {
		return blocked(CheckEligibility, "action_not_eligible", fmt.Sprintf("%s not allowed in %s", action, e.env))
	}

	k := key(entity, action)
	if cd := e.cooldowns[action]; cd > 0 {
		if last, ok := e.lastRun[k]; ok {
			if elapsed := now.Sub(last); elapsed < cd {
				return blocked(CheckCooldown, "cooldown_active", fmt.Sprintf("%s on %s for %s more", action, entity, (cd-elapsed).Round(time.Second)))
			}
		}
	}

	// Noop carries no cost, so repeating it is not suppressed. Everything
	// else is rate-limited inside the window.
	if e.repetitionLimit > 0 && action != types.ActionNoop {
		recent := e.pruneLocked(k, now)
		if len(recent) >= e.repetitionLimit {
			return blocked(CheckRepetition, "repetition_suppressed", fmt.Sprintf("%s on %s %d times in %s", action, entity, len(recent), e.window))
		}
	}

	for _, req := range e.prereqs[action] {
		if !health[req] {
			return blocked(CheckPrerequisite, "missing_prerequisite:"+req, fmt.Sprintf("%s requires %s on %s", action, req, entity))
		}
	}

	if !e.frozen {
		e.lastRun[k] = now
		e.attempts[k] = append(e.attempts[k], now)
	}
	return allowed()
}

// pruneLocked drops attempts older than the window and returns what remains.
func (e *Engine) pruneLocked(k string, now time.Time) []time.Time {
	cutoff := now.Add(-e.window)
	kept := e.attempts[k][:0]
	for _, t := range e.attempts[k] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	e.attempts[k] = kept
	return kept
}

// CooldownRemaining reports how much cooldown is left for (entity, action).
// Zero means the action is not cooling down.
func (e *Engine) CooldownRemaining(entity string, action types.Action) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	cd := e.cooldowns[action]
	if cd <= 0 {
		return 0
	}
	last, ok := e.lastRun[key(entity, action)]
	if !ok {
		return 0
	}
	remaining := cd - e.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Frozen reports whether attempt recording is disabled.
func (e *Engine) Frozen() bool {
	return e.frozen
}
