// Package ingest feeds runtime events into the loop instances: an
// in-process queue that anything can push into, and an optional MQTT
// subscriber that bridges broker telemetry into the same queue.
package ingest

import (
	"errors"

	"github.com/clawinfra/opsclaw/internal/types"
)

// ErrQueueFull is returned when a push would block.
var ErrQueueFull = errors.New("ingest: queue full")

// Queue is a bounded in-process event source.
type Queue struct {
	ch chan types.RuntimeEvent
}

// NewQueue creates a queue with the given capacity (default 256).
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan types.RuntimeEvent, size)}
}

// Events returns the consuming side for the loop.
func (q *Queue) Events() <-chan types.RuntimeEvent {
	return q.ch
}

// Push enqueues an event without blocking. A full queue rejects the event;
// the producer decides whether to drop or back off.
func (q *Queue) Push(ev types.RuntimeEvent) error {
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close closes the queue; the loop treats a closed source as exhausted.
func (q *Queue) Close() {
	close(q.ch)
}
