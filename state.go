package frontdoor

import (
	"fmt"
	"strconv"
	"time"
)

// State is the lifecycle state of one backend process handle.
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
)

// handleTransitions lists the state changes a handle may go through.
// exited and killed end a handle; a restart produces a new one.
// killed -> killed records the exit that follows a termination signal.
var handleTransitions = map[State]map[State]bool{
	StateSpawning: {
		StateRunning: true,
	},
	StateRunning: {
		StateExited: true,
		StateKilled: true,
	},
	StateKilled: {
		StateKilled: true,
	},
	StateExited: {},
}

// CanTransition reports whether a handle in state from may move to state to.
func CanTransition(from, to State) bool {
	return handleTransitions[from][to]
}

// Handle is the supervisor's record of one backend process instance.
// Handles are never mutated once published; every transition produces a copy.
type Handle struct {
	Generation uint64
	PID        int
	State      State
	ExitCode   *int
	Signal     string
	StartedAt  time.Time
	ExitedAt   time.Time
}

// Alive reports whether h exists and has not terminated.
func (h *Handle) Alive() bool {
	return h != nil && h.State != StateExited && h.State != StateKilled
}

func (h *Handle) advance(to State) (*Handle, error) {
	if !CanTransition(h.State, to) {
		return nil, fmt.Errorf("gateway handle %d: invalid transition %s -> %s", h.Generation, h.State, to)
	}
	next := *h
	next.State = to
	return &next, nil
}

// Status is a point-in-time view of the supervisor used by the liveness check.
type Status struct {
	Healthy bool
	// Handle is a copy of the current handle, nil when none exists.
	Handle *Handle
}

// Stats are running counters kept by the supervisor.
type Stats struct {
	Spawns         uint64
	Restarts       uint64
	Crashes        uint64
	LaunchFailures uint64
}

// exitStatus is how a backend process ended. Code is nil when the process
// was terminated by a signal or the status could not be determined.
type exitStatus struct {
	Code   *int
	Signal string
}

func (e exitStatus) String() string {
	switch {
	case e.Signal != "":
		return "signal " + e.Signal
	case e.Code != nil:
		return "exit code " + strconv.Itoa(*e.Code)
	default:
		return "unknown exit status"
	}
}

// shouldRestart decides whether an exit warrants a new backend process.
// A zero exit code is an intentional stop. An undecodable status is
// treated as a crash.
func shouldRestart(e exitStatus, stopping bool) bool {
	if stopping {
		return false
	}
	if e.Signal != "" {
		return true
	}
	if e.Code == nil {
		return true
	}
	return *e.Code != 0
}
