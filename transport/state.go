// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import "sync/atomic"

// State represents the transport connection state.
type State uint32

// Transport states. There is no terminal state: a disconnected transport can
// always be connected again.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// stateMachine handles atomic state transitions.
type stateMachine struct {
	state uint32
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: uint32(StateDisconnected)}
}

func (sm *stateMachine) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

func (sm *stateMachine) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateMachine) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

func (sm *stateMachine) isConnected() bool {
	return sm.get() == StateConnected
}
