package sync

// State is the session's position in the connection lifecycle. Exactly one
// state holds at a time; all transitions run under the session mutex.
//
// StateConnecting covers token fetch, dial and handshake. StateDownstream is
// the initial one-way pull that follows a successful handshake; both present
// as "connecting" to callers, but keeping them distinct states makes every
// transition enumerable instead of swapping handlers mid-flow.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateDownstream
	StateConnected
	StateSyncing
	StateError
)

var stateNames = []string{
	"DISCONNECTED",
	"CONNECTING",
	"DOWNSTREAM",
	"CONNECTED",
	"SYNCING",
	"ERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "???"
}
