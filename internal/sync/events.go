package sync

// EventType identifies a session notification.
type EventType uint8

const (
	EventError EventType = iota
	EventConnected
	EventDisconnected
	EventSyncing
	EventCompleted
)

var eventNames = []string{
	"error",
	"connected",
	"disconnected",
	"syncing",
	"completed",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return "???"
}

// Event is delivered on the session's event channel. Err is set for
// EventError; Paths is set for EventCompleted (the server-named synced set).
// The channel has a single consumer; exactly one of completed/error follows
// every syncing.
type Event struct {
	Type  EventType
	Err   error
	Paths []string
}
