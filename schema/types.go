package schema

// SessionID identifies one remote-shell connection. It matches the id of the
// host profile the session was opened for.
type SessionID string

// HostID identifies a stored host profile.
type HostID = SessionID

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusAbsent means no entry exists for the session (equivalent to closed).
	StatusAbsent Status = ""
	// StatusConnecting means a connect was issued and is not yet acknowledged.
	StatusConnecting Status = "connecting"
	// StatusConnected means the remote shell is interactive.
	StatusConnected Status = "connected"
	// StatusError means the last connect attempt was rejected.
	StatusError Status = "error"
)

// String returns the status name, "absent" for the zero value.
func (s Status) String() string {
	if s == StatusAbsent {
		return "absent"
	}
	return string(s)
}

// Label returns the user-facing label shown next to a pane.
func (s Status) Label() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusConnecting:
		return "Connecting…"
	case StatusError:
		return "Error"
	default:
		return "Closed"
	}
}

// Active reports whether the status blocks a new connect.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

// Session is one entry of the session status table.
type Session struct {
	ID          SessionID `json:"id"`
	DisplayName string    `json:"display_name"`
	AccentColor string    `json:"accent_color,omitempty"`
	Status      Status    `json:"status"`
}

// SessionInfo carries the immutable presentation metadata for a connect.
type SessionInfo struct {
	ID          SessionID
	DisplayName string
	AccentColor string
}

// Grid is a terminal character grid.
type Grid struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Valid reports whether both dimensions are positive.
func (g Grid) Valid() bool {
	return g.Cols > 0 && g.Rows > 0
}
