package messaging

import "github.com/HerbHall/stationlink/pkg/models"

// State is the messaging client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var allStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(allStates) {
		return "unknown"
	}
	return allStates[s]
}

// Connectivity maps the state to the application-facing connectivity state.
// Connecting has no application-facing equivalent.
func (s State) Connectivity() (models.ConnectivityState, bool) {
	switch s {
	case StateConnected:
		return models.ConnectivityConnected, true
	case StateReconnecting:
		return models.ConnectivityReconnecting, true
	case StateDisconnected:
		return models.ConnectivityDisconnected, true
	default:
		return "", false
	}
}
