package agent

import (
	"time"

	"github.com/clawinfra/opsclaw/internal/memory"
	"github.com/clawinfra/opsclaw/internal/types"
)

// Status is the observable snapshot of one loop instance. The key names
// are a stable contract consumed by operator tooling.
type Status struct {
	AgentID         string         `json:"agent_id"`
	Env             string         `json:"env"`
	State           string         `json:"state"`
	LoopCount       int            `json:"loop_count"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	Demo            bool           `json:"demo"`
	Frozen          bool           `json:"frozen"`
	Memory          memory.Stats   `json:"memory"`
	LastDecision    types.Decision `json:"last_decision"`
	LastBlockReason string         `json:"last_block_reason,omitempty"`
	BlockType       string         `json:"block_type,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Status reports the instance's current state for the API.
func (l *Loop) Status() Status {
	phase, _ := l.machine.Snapshot()

	l.mu.Lock()
	st := Status{
		AgentID:         l.id,
		Env:             string(l.env),
		State:           string(phase),
		LoopCount:       l.cycles,
		UptimeSeconds:   l.now().Sub(l.started).Seconds(),
		Demo:            l.demo,
		Frozen:          l.freeze,
		LastDecision:    l.lastDecision,
		LastBlockReason: l.lastBlockReason,
		BlockType:       l.lastBlockType,
		Timestamp:       l.now(),
	}
	l.mu.Unlock()

	st.Memory = l.mem.Stats()
	return st
}
