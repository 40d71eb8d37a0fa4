// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDisconnecting, "disconnecting"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.state.String()
		if got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestStateMachineInitial(t *testing.T) {
	sm := newStateMachine()

	if sm.get() != StateDisconnected {
		t.Errorf("initial state should be Disconnected, got %v", sm.get())
	}
	if sm.isConnected() {
		t.Error("new state machine should not report connected")
	}
}

func TestStateTransition(t *testing.T) {
	sm := newStateMachine()

	if !sm.transition(StateDisconnected, StateConnecting) {
		t.Error("transition Disconnected -> Connecting should succeed")
	}
	if sm.transition(StateDisconnected, StateConnected) {
		t.Error("transition from wrong state should fail")
	}
	if sm.get() != StateConnecting {
		t.Errorf("state should still be Connecting, got %v", sm.get())
	}
}

func TestStateConcurrentConnect(t *testing.T) {
	sm := newStateMachine()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sm.transition(StateDisconnected, StateConnecting) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("exactly one transition should win, got %d", wins)
	}
}
