package engine

import (
	"errors"
	"sync/atomic"
)

// ErrCancelled is returned by any operation aborted via CancelSignal.
var ErrCancelled = errors.New("engine: cancelled")

// CancelSignal is a single-shot, level-triggered cancellation flag with
// finer-grained sub-flags for the turn loop, a retry backoff sleep, and an
// in-flight tool call. It replaces ad hoc global "stop" booleans with one
// explicit type the TurnController polls at each of spec.md's enumerated
// cancellation points, at intervals of at most 100ms.
type CancelSignal struct {
	turn       atomic.Bool
	retrySleep atomic.Bool
	toolCall   atomic.Bool
}

// RequestTurnCancel asks the current turn to stop at its next poll point.
func (c *CancelSignal) RequestTurnCancel() { c.turn.Store(true) }

// RequestToolCallCancel asks the in-flight tool call to stop.
func (c *CancelSignal) RequestToolCallCancel() { c.toolCall.Store(true) }

// RequestRetrySleepCancel interrupts a retry backoff sleep without
// cancelling the turn as a whole.
func (c *CancelSignal) RequestRetrySleepCancel() { c.retrySleep.Store(true) }

// TurnRequested reports whether the whole turn has been asked to stop.
func (c *CancelSignal) TurnRequested() bool { return c.turn.Load() }

// ToolCallRequested reports whether the in-flight tool call has been asked
// to stop.
func (c *CancelSignal) ToolCallRequested() bool { return c.toolCall.Load() }

// RetrySleepRequested reports whether a retry sleep has been interrupted.
// It also implicitly reports a turn-level cancel, since stopping the turn
// must also stop any sleep it is waiting on.
func (c *CancelSignal) RetrySleepRequested() bool {
	return c.retrySleep.Load() || c.turn.Load()
}

// Reset clears all sub-flags, for reuse across turns.
func (c *CancelSignal) Reset() {
	c.turn.Store(false)
	c.retrySleep.Store(false)
	c.toolCall.Store(false)
}
