package frontdoor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestShouldRestart(t *testing.T) {
	tests := []struct {
		name     string
		exit     exitStatus
		stopping bool
		want     bool
	}{
		{name: "clean exit", exit: exitStatus{Code: intPtr(0)}, want: false},
		{name: "non-zero exit", exit: exitStatus{Code: intPtr(1)}, want: true},
		{name: "exit 137", exit: exitStatus{Code: intPtr(137)}, want: true},
		{name: "killed by signal", exit: exitStatus{Signal: "SIGKILL"}, want: true},
		{name: "unknown status", exit: exitStatus{}, want: true},
		{name: "non-zero exit while stopping", exit: exitStatus{Code: intPtr(1)}, stopping: true, want: false},
		{name: "signal while stopping", exit: exitStatus{Signal: "SIGTERM"}, stopping: true, want: false},
		{name: "clean exit while stopping", exit: exitStatus{Code: intPtr(0)}, stopping: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRestart(tt.exit, tt.stopping))
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateSpawning, StateRunning}: true,
		{StateRunning, StateExited}:   true,
		{StateRunning, StateKilled}:   true,
		{StateKilled, StateKilled}:    true,
	}
	states := []State{StateSpawning, StateRunning, StateExited, StateKilled}
	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestHandleAdvanceCopies(t *testing.T) {
	h := &Handle{Generation: 3, State: StateSpawning}

	running, err := h.advance(StateRunning)
	require.NoError(t, err)
	assert.Equal(t, StateSpawning, h.State, "original handle must not change")
	assert.Equal(t, StateRunning, running.State)
	assert.Equal(t, uint64(3), running.Generation)

	_, err = running.advance(StateSpawning)
	assert.Error(t, err)
}

func TestHandleAlive(t *testing.T) {
	var nilHandle *Handle
	assert.False(t, nilHandle.Alive())
	assert.True(t, (&Handle{State: StateSpawning}).Alive())
	assert.True(t, (&Handle{State: StateRunning}).Alive())
	assert.False(t, (&Handle{State: StateExited}).Alive())
	assert.False(t, (&Handle{State: StateKilled}).Alive())
}

func TestExitStatusString(t *testing.T) {
	assert.Equal(t, "exit code 3", exitStatus{Code: intPtr(3)}.String())
	assert.Equal(t, "signal SIGTERM", exitStatus{Signal: "SIGTERM"}.String())
	assert.Equal(t, "unknown exit status", exitStatus{}.String())
}
