// Package eventloop implements the Event Multiplexer (§4.K) and App
// State Machine (§4.L): the single cooperative loop merging the eight
// event sources, and the three-way connection-state tracking with its
// gating rule and shutdown sequencing.
//
// Grounded on the reloadLoop/pruneLoop select-loop shape of
// automation-service/internal/engine/engine.go and the signal.Notify
// graceful-shutdown idiom of zigbee-adapter/cmd/zigbee-adapter/main.go.
package eventloop

import "log/slog"

// ConnState is one of the three independent connection states spec.md
// §4.L tracks.
type ConnState int

const (
	StateInit ConnState = iota
	StateConnected
	StateDisconnected
)

// ConnEventKind mirrors spec.md's ConnectionEvent.
type ConnEventKind int

const (
	ConnConnect ConnEventKind = iota
	ConnDisconnect
	ConnReconnect
)

// Client identifies one of the three tracked connections.
type Client int

const (
	ClientDiscovery Client = iota
	ClientBroker
	ClientVirtualDevices
)

// StateMachine tracks the three connection states and emits at most
// one ConnectionEvent per transition (spec.md §4.L).
type StateMachine struct {
	states map[Client]ConnState
}

func NewStateMachine() *StateMachine {
	return &StateMachine{states: map[Client]ConnState{
		ClientDiscovery:      StateInit,
		ClientBroker:         StateInit,
		ClientVirtualDevices: StateInit,
	}}
}

// Transition applies an observed raw connect/disconnect signal and
// returns the ConnectionEvent it produces, if any.
func (sm *StateMachine) Transition(c Client, connected bool) (ConnEventKind, bool) {
	prev := sm.states[c]
	var next ConnState
	if connected {
		next = StateConnected
	} else {
		next = StateDisconnected
	}
	sm.states[c] = next

	switch {
	case prev != StateConnected && next == StateConnected:
		if prev == StateInit {
			return ConnConnect, true
		}
		return ConnReconnect, true
	case prev == StateConnected && next == StateDisconnected:
		return ConnDisconnect, true
	default:
		return 0, false
	}
}

// AllConnected reports the gating condition of spec.md §4.L:
// "configuration watchers start only when all three are Connected".
func (sm *StateMachine) AllConnected() bool {
	for _, s := range sm.states {
		if s != StateConnected {
			return false
		}
	}
	return true
}

func (sm *StateMachine) State(c Client) ConnState { return sm.states[c] }

// LogTransition is a small convenience wrapper matching the
// logging texture of the teacher's engine package.
func LogTransition(c Client, kind ConnEventKind) {
	slog.Info("connection state transition", "client", c, "event", kind)
}
