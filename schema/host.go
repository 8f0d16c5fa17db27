package schema

import "time"

// HostProfile is a stored remote host a session can be opened for.
type HostProfile struct {
	ID           HostID    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Host         string    `json:"host" yaml:"host"`
	Port         int       `json:"port" yaml:"port"`
	User         string    `json:"user" yaml:"user"`
	Password     string    `json:"-" yaml:"password,omitempty"`
	IdentityFile string    `json:"identity_file,omitempty" yaml:"identity_file,omitempty"`
	TOTPSecret   string    `json:"-" yaml:"totp_secret,omitempty"`
	Tags         []string  `json:"tags" yaml:"tags"`
	Color        string    `json:"color" yaml:"color"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	LastUsed     time.Time `json:"last_used" yaml:"last_used,omitempty"`
	UseCount     int       `json:"use_count" yaml:"use_count"`
}

// Info returns the presentation metadata for a session on this host.
func (h HostProfile) Info() SessionInfo {
	name := h.Name
	if name == "" {
		name = h.Host
	}
	return SessionInfo{ID: h.ID, DisplayName: name, AccentColor: h.Color}
}

// AccentPalette is cycled through when a new profile has no color.
var AccentPalette = []string{"#22c55e", "#3b82f6", "#f59e0b", "#ec4899", "#8b5cf6", "#06b6d4"}

const (
	// DefaultSSHPort is used when a profile has no port.
	DefaultSSHPort = 22
	// DefaultSSHUser is used when a profile has no user.
	DefaultSSHUser = "root"
)
