package schema

// EventName identifies a backend notification on the event bus.
type EventName string

const (
	// EventConnected signals that the shell for a session is interactive.
	EventConnected EventName = "terminal:connected"
	// EventData carries raw bytes to render for a session.
	EventData EventName = "terminal:data"
	// EventClosed signals that the remote session ended.
	EventClosed EventName = "terminal:closed"
	// EventError signals that a connection attempt failed.
	EventError EventName = "terminal:error"
)

// Event is the payload delivered to bus subscribers.
type Event struct {
	Name EventName `json:"name"`
	ID   SessionID `json:"id"`
	Data []byte    `json:"data,omitempty"`
	Msg  string    `json:"msg,omitempty"`
}
