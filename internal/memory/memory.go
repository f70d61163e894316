// Package memory keeps a bounded record of what the agent has done and what
// it observed. It is the substrate for the override veto: when the recent
// record shows repeated failure, repetition or instability, memory can force
// a noop before the decision service is ever consulted.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawinfra/opsclaw/internal/types"
)

// Outcome of an executed (or simulated) decision as observed after the fact.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// DecisionRecord is one remembered decision.
type DecisionRecord struct {
	Entity     string       `json:"entity"`
	Action     types.Action `json:"action"`
	Source     types.Source `json:"source"`
	Confidence float64      `json:"confidence"`
	Outcome    Outcome      `json:"outcome"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// StateRecord is one remembered entity health observation.
type StateRecord struct {
	State     types.HealthState `json:"state"`
	Timestamp time.Time         `json:"timestamp"`
}

// Context is the memory summary attached to decision-service requests.
type Context struct {
	RecentFailures int          `json:"recent_failures"`
	LastAction     types.Action `json:"last_action"`
	HasLastAction  bool         `json:"has_last_action"`
	Instability    float64      `json:"instability"`
}

// Stats summarizes memory for the status API.
type Stats struct {
	Decisions int `json:"decisions"`
	Entities  int `json:"entities"`
	Failures  int `json:"failures"`
}

// snapshot is the persisted form of a Store.
type snapshot struct {
	Decisions []DecisionRecord         `json:"decisions"`
	States    map[string][]StateRecord `json:"states"`
	SavedAt   time.Time                `json:"saved_at"`
}

// Store is the bounded decision memory for one environment instance.
// The global decision ring holds maxDecisions entries; each entity keeps
// its own ring of maxStates health observations. Oldest entries fall off
// silently — memory never grows without bound.
type Store struct {
	maxDecisions int
	maxStates    int

	failureThreshold    int
	repetitionThreshold int

	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	decisions []DecisionRecord
	states    map[string][]StateRecord
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithThresholds overrides the override-veto thresholds.
func WithThresholds(failures, repetition int) Option {
	return func(s *Store) {
		s.failureThreshold = failures
		s.repetitionThreshold = repetition
	}
}

// New creates a Store. maxDecisions and maxStates of 0 take the defaults
// (50 decisions, 10 states per entity).
func New(maxDecisions, maxStates int, logger *slog.Logger, opts ...Option) *Store {
	if maxDecisions <= 0 {
		maxDecisions = 50
	}
	if maxStates <= 0 {
		maxStates = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		maxDecisions:        maxDecisions,
		maxStates:           maxStates,
		failureThreshold:    3,
		repetitionThreshold: 3,
		logger:              logger.With("component", "memory"),
		now:                 time.Now,
		states:              make(map[string][]StateRecord),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecordDecision appends to the global ring, evicting the oldest entry when
// the ring is full.
func (s *Store) RecordDecision(rec DecisionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	s.decisions = append(s.decisions, rec)
	if len(s.decisions) > s.maxDecisions {
		s.decisions = s.decisions[len(s.decisions)-s.maxDecisions:]
	}
}

// RecordState appends a health observation to the entity's ring.
func (s *Store) RecordState(entity string, state types.HealthState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append(s.states[entity], StateRecord{State: state, Timestamp: s.now()})
	if len(ring) > s.maxStates {
		ring = ring[len(ring)-s.maxStates:]
	}
	s.states[entity] = ring
}

// RecentFailureCount returns the entity's trailing failure streak: how many
// of its most recent remembered decisions failed in a row. A success resets
// the streak; blocked decisions are skipped, they prove nothing either way.
func (s *Store) RecentFailureCount(entity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentFailuresLocked(entity)
}

func (s *Store) recentFailuresLocked(entity string) int {
	n := 0
	for i := len(s.decisions) - 1; i >= 0; i-- {
		d := s.decisions[i]
		if d.Entity != entity || d.Outcome == OutcomeBlocked {
			continue
		}
		if d.Outcome != OutcomeFailure {
			break
		}
		n++
	}
	return n
}

// ActionRepetition counts how often the same action was decided for the
// entity within the window ending now.
func (s *Store) ActionRepetition(entity string, action types.Action, window time.Duration) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repetitionLocked(entity, action, window)
}

func (s *Store) repetitionLocked(entity string, action types.Action, window time.Duration) int {
	cutoff := s.now().Add(-window)
	n := 0
	for _, d := range s.decisions {
		if d.Entity == entity && d.Action == action && !d.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// failedRepetitionLocked counts failed outcomes of the same action in the
// window. Only futile repetition feeds the override veto; rate-limiting of
// successful repeats is governance's job.
func (s *Store) failedRepetitionLocked(entity string, action types.Action, window time.Duration) int {
	cutoff := s.now().Add(-window)
	n := 0
	for _, d := range s.decisions {
		if d.Entity == entity && d.Action == action && d.Outcome == OutcomeFailure && !d.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// Instability is the fraction of the entity's remembered decisions that
// failed or were blocked. An entity whose interventions keep failing gets
// vetoed; one that responds to actions scores low and stays actionable.
// Fewer than three remembered decisions score 0, so a single bad outcome
// cannot veto an entity on its own.
func (s *Store) Instability(entity string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instabilityLocked(entity)
}

func (s *Store) instabilityLocked(entity string) float64 {
	total, bad := 0, 0
	for _, d := range s.decisions {
		if d.Entity != entity {
			continue
		}
		total++
		if d.Outcome == OutcomeFailure || d.Outcome == OutcomeBlocked {
			bad++
		}
	}
	if total < 3 {
		return 0
	}
	return float64(bad) / float64(total)
}

// ShouldOverride reports whether memory vetoes acting on this entity, and
// why. Checked before the decision service is called; any veto forces noop.
func (s *Store) ShouldOverride(entity string, action types.Action, window time.Duration) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n := s.recentFailuresLocked(entity); n >= s.failureThreshold {
		return true, fmt.Sprintf("memory_override_failures: %d recent failures", n)
	}
	// Repeating noop is not a pathology; only real actions count.
	if action != types.ActionNoop {
		if n := s.failedRepetitionLocked(entity, action, window); n >= s.repetitionThreshold {
			return true, fmt.Sprintf("memory_override_repetition: %s failed %d times", action, n)
		}
	}
	if r := s.instabilityLocked(entity); r > 0.66 {
		return true, fmt.Sprintf("memory_override_instability: ratio %.2f", r)
	}
	return false, ""
}

// Context returns the memory summary for the entity.
func (s *Store) Context(entity string) Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := Context{
		RecentFailures: s.recentFailuresLocked(entity),
		Instability:    s.instabilityLocked(entity),
	}
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].Entity == entity {
			ctx.LastAction = s.decisions[i].Action
			ctx.HasLastAction = true
			break
		}
	}
	return ctx
}

// Stats summarizes the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Decisions: len(s.decisions),
		Entities:  len(s.states),
	}
	for _, d := range s.decisions {
		if d.Outcome == OutcomeFailure {
			st.Failures++
		}
	}
	return st
}

// Decisions returns a copy of the global ring, oldest first.
func (s *Store) Decisions() []DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DecisionRecord, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Save persists a snapshot to path as JSON.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	snap := snapshot{
		Decisions: append([]DecisionRecord(nil), s.decisions...),
		States:    make(map[string][]StateRecord, len(s.states)),
		SavedAt:   s.now(),
	}
	for k, v := range s.states {
		snap.States[k] = append([]StateRecord(nil), v...)
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.logger.Debug("memory snapshot saved", "path", path, "decisions", len(snap.Decisions))
	return nil
}

// Load restores a snapshot saved by Save. A missing file is not an error;
// the store just starts empty. Restored rings are re-bounded to the store's
// limits.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = snap.Decisions
	if len(s.decisions) > s.maxDecisions {
		s.decisions = s.decisions[len(s.decisions)-s.maxDecisions:]
	}
	s.states = make(map[string][]StateRecord, len(snap.States))
	for k, v := range snap.States {
		if len(v) > s.maxStates {
			v = v[len(v)-s.maxStates:]
		}
		s.states[k] = v
	}
	s.logger.Info("memory snapshot restored", "path", path, "decisions", len(s.decisions), "entities", len(s.states))
	return nil
}
