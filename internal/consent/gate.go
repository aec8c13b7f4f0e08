// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package consent implements the state machine authorizing outbound
// location broadcast. The publisher runs only while the gate is granted;
// nothing in the network layer can move the gate, only explicit user
// action does.
package consent

import (
	"fmt"
	"sync"

	"github.com/satmap/presenced/internal/logging"
)

// State is the user's broadcast consent decision for this session.
type State string

const (
	// StateUndecided is the initial state; no publisher activity.
	StateUndecided State = "undecided"
	// StateDeclined is terminal for the session; no publisher activity.
	StateDeclined State = "declined"
	// StateGranted enables the presence publisher.
	StateGranted State = "granted"
)

// ErrInvalidTransition is returned for transitions the machine does not
// allow (e.g. granting after a decline).
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("consent: invalid transition %s -> %s", e.From, e.To)
}

// Gate is the session-scoped consent state machine.
//
// Transitions:
//
//	undecided -> granted   (Grant)
//	undecided -> declined  (Decline)
//	granted   -> undecided (Revoke; caller must tear down the position
//	                        subscription before the transition completes)
//
// State changes are pushed to subscribers on a buffered channel so the
// publisher can react within one callback interval without the gate ever
// blocking on a slow consumer.
type Gate struct {
	mu    sync.RWMutex
	state State
	subs  []chan State
}

// NewGate creates a gate in the undecided state.
func NewGate() *Gate {
	return &Gate{state: StateUndecided}
}

// State returns the current consent state.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Granted reports whether broadcast is currently authorized.
func (g *Gate) Granted() bool {
	return g.State() == StateGranted
}

// Grant records the user's opt-in. Valid only from undecided.
func (g *Gate) Grant() error {
	return g.transition(StateUndecided, StateGranted)
}

// Decline records the user's refusal. Valid only from undecided; declined
// is terminal for the session.
func (g *Gate) Decline() error {
	return g.transition(StateUndecided, StateDeclined)
}

// Revoke withdraws a previous grant and returns the gate to undecided.
// Subscribers observe the transition and must cancel their position
// subscriptions; no write may follow the state change.
func (g *Gate) Revoke() error {
	return g.transition(StateGranted, StateUndecided)
}

func (g *Gate) transition(from, to State) error {
	g.mu.Lock()
	if g.state != from {
		err := &ErrInvalidTransition{From: g.state, To: to}
		g.mu.Unlock()
		return err
	}
	g.state = to
	subs := make([]chan State, len(g.subs))
	copy(subs, g.subs)
	g.mu.Unlock()

	logging.Info().Str("from", string(from)).Str("to", string(to)).Msg("consent state changed")

	for _, ch := range subs {
		// Drop-then-send keeps only the latest state in each subscriber's
		// buffer; intermediate states are not interesting.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- to:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving consent state changes. The channel
// holds at most the latest state; it is never closed.
func (g *Gate) Subscribe() <-chan State {
	ch := make(chan State, 1)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}
