package link

import "fmt"

// StateKind enumerates the connection states.
type StateKind int

const (
	Unassigned StateKind = iota
	Unavailable
	Scanning
	Disconnected
	Connecting
	Connected
	Notifying
)

var stateNames = map[StateKind]string{
	Unassigned:   "unassigned",
	Unavailable:  "unavailable",
	Scanning:     "scanning",
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Notifying:    "notifying",
}

func (k StateKind) String() string {
	if name, ok := stateNames[k]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(k))
}

// State is the current connection state. Reason is only set for Unavailable.
type State struct {
	Kind   StateKind
	Reason string
}

// UnavailableState builds the Unavailable state carrying the adapter's reason.
func UnavailableState(reason string) State {
	return State{Kind: Unavailable, Reason: reason}
}

func (s State) String() string {
	if s.Kind == Unavailable && s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	}
	return s.Kind.String()
}

// IsLinked reports whether a link to the target is established.
func (s State) IsLinked() bool {
	return s.Kind == Connected || s.Kind == Notifying
}
