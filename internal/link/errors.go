package link

import (
	"errors"
	"fmt"
)

// ConnectionState identifies the kind of connection-state failure.
type ConnectionState string

const (
	NotConnected       ConnectionState = "not_connected"
	NoTarget           ConnectionState = "no_target"
	AdapterUnavailable ConnectionState = "adapter_unavailable"
)

// ConnectionError represents a command rejected because of the connection state.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected       = &ConnectionError{State: NotConnected}
	ErrNoTarget           = &ConnectionError{State: NoTarget}
	ErrAdapterUnavailable = &ConnectionError{State: AdapterUnavailable}
	ErrBluetoothOff       = errors.New("bluetooth is turned off")
	ErrSessionStopped     = errors.New("session stopped")
)
