package agent

import (
	"fmt"
	"sync"
	"time"
)

// Phase is one stage of the control loop.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseObserving        Phase = "observing"
	PhaseValidating       Phase = "validating"
	PhaseDeciding         Phase = "deciding"
	PhaseEnforcing        Phase = "enforcing"
	PhaseActing           Phase = "acting"
	PhaseObservingResults Phase = "observing_results"
	PhaseExplaining       Phase = "explaining"
	PhaseBlocked          Phase = "blocked"
)

// validTransitions encodes the loop's shape. Anything not listed here is a
// bug in the loop, not an input problem, and Transition makes it loud.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:             {PhaseObserving},
	PhaseObserving:        {PhaseValidating},
	PhaseValidating:       {PhaseDeciding, PhaseBlocked},
	PhaseDeciding:         {PhaseEnforcing},
	PhaseEnforcing:        {PhaseActing, PhaseObservingResults, PhaseBlocked},
	PhaseActing:           {PhaseObservingResults},
	PhaseObservingResults: {PhaseExplaining},
	PhaseExplaining:       {PhaseIdle},
	PhaseBlocked:          {PhaseIdle},
}

// Machine tracks the loop's current phase and rejects transitions the loop
// shape does not allow.
type Machine struct {
	mu      sync.Mutex
	current Phase
	since   time.Time
}

// NewMachine starts in idle.
func NewMachine() *Machine {
	return &Machine{current: PhaseIdle, since: time.Now()}
}

// Transition moves to the next phase or fails if the edge does not exist.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, next := range validTransitions[m.current] {
		if next == to {
			m.current = to
			m.since = time.Now()
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", m.current, to)
}

// Current returns the phase the machine is in.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Reset forces the machine back to idle. Used by panic recovery, where the
// loop's position is no longer trustworthy.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = PhaseIdle
	m.since = time.Now()
}

// Snapshot reports the phase and how long the machine has been in it.
func (m *Machine) Snapshot() (Phase, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, time.Since(m.since)
}
