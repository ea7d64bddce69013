// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations: connection state and transport mode.

package api

// State enumerates the lifecycle of a connection record.
type State uint8

const (
	StateStopped State = iota
	StateRunningClient
	StateRunningServer
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunningClient:
		return "running-client"
	case StateRunningServer:
		return "running-server"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// Valid reports whether s is one of the four defined states.
func (s State) Valid() bool {
	switch s {
	case StateStopped, StateRunningClient, StateRunningServer, StateError:
		return true
	default:
		return false
	}
}

// Running reports whether s is a client or server running state.
func (s State) Running() bool {
	return s == StateRunningClient || s == StateRunningServer
}

// CanTransition reports whether the state machine allows from -> to.
// Error is never a resting state: its only exit is Stopped.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	switch from {
	case StateStopped:
		return to == StateStopped || to == StateRunningClient || to == StateRunningServer
	case StateRunningClient, StateRunningServer:
		return to == StateError || to == StateStopped
	case StateError:
		return to == StateStopped
	}
	return false
}

// TransportMode selects plain TCP or TLS-wrapped I/O.
type TransportMode uint8

const (
	ModePlain TransportMode = iota
	ModeTLS
)

func (m TransportMode) String() string {
	if m == ModeTLS {
		return "tls"
	}
	return "plain"
}
