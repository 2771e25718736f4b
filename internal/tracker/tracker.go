// ============================================================================
// bidspm-batch Tracker - Per-Unit State Machine
// ============================================================================
//
// Package: internal/tracker
// File: tracker.go
// Purpose: Hold the current state of every RunUnit of a batch and reject
//          transitions the state machine does not allow.
//
// State machine:
//
//   Pending -> Validating -> Skipped
//                         -> Scheduled -> Skipped   (cancelled / aborted)
//                                      -> Running -> Succeeded
//                                                 -> Failed
//
// Indices are enumeration indices, so lookups are O(1) slice accesses. The
// per-state counters are kept in step with every transition so Stats never
// walks the slice.
//
// ============================================================================

package tracker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

var (
	// ErrUnknownUnit is returned for an index outside the batch.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrInvalidTransition is returned when the state machine forbids a move.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Tracker records the state of every unit of one batch. It is safe for
// concurrent use by the worker goroutines and the controller.
type Tracker struct {
	mu     sync.RWMutex
	units  []types.RunUnit
	states []types.UnitState
	counts map[types.UnitState]int
}

// New starts every unit in Pending.
func New(units []types.RunUnit) *Tracker {
	t := &Tracker{
		units:  append([]types.RunUnit(nil), units...),
		states: make([]types.UnitState, len(units)),
		counts: map[types.UnitState]int{types.StatePending: len(units)},
	}
	for i := range t.states {
		t.states[i] = types.StatePending
	}
	return t
}

// Len returns the number of tracked units.
func (t *Tracker) Len() int {
	return len(t.units)
}

// Unit returns the unit at index.
func (t *Tracker) Unit(index int) (types.RunUnit, error) {
	if index < 0 || index >= len(t.units) {
		return types.RunUnit{}, fmt.Errorf("%w: index %d", ErrUnknownUnit, index)
	}
	return t.units[index], nil
}

// Transition moves the unit at index to state to.
func (t *Tracker) Transition(index int, to types.UnitState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.states) {
		return fmt.Errorf("%w: index %d", ErrUnknownUnit, index)
	}
	from := t.states[index]
	if !types.CanTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.units[index], from, to)
	}
	t.states[index] = to
	t.counts[from]--
	t.counts[to]++
	return nil
}

// TransitionAll moves every unit currently in from to to and returns their
// indices in order.
func (t *Tracker) TransitionAll(from, to types.UnitState) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !types.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	var moved []int
	for i, s := range t.states {
		if s == from {
			t.states[i] = to
			moved = append(moved, i)
		}
	}
	t.counts[from] -= len(moved)
	t.counts[to] += len(moved)
	return moved, nil
}

// State returns the current state of the unit at index.
func (t *Tracker) State(index int) (types.UnitState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index < 0 || index >= len(t.states) {
		return "", fmt.Errorf("%w: index %d", ErrUnknownUnit, index)
	}
	return t.states[index], nil
}

// InState returns the indices of units currently in state, in order.
func (t *Tracker) InState(state types.UnitState) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int
	for i, s := range t.states {
		if s == state {
			out = append(out, i)
		}
	}
	return out
}

// Stats returns the number of units per state. States with no unit are
// omitted.
func (t *Tracker) Stats() map[types.UnitState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.UnitState]int, len(t.counts))
	for s, n := range t.counts {
		if n > 0 {
			out[s] = n
		}
	}
	return out
}

// Settled reports whether every unit reached a terminal state.
func (t *Tracker) Settled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.states {
		if !s.Terminal() {
			return false
		}
	}
	return true
}
