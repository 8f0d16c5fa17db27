package schema

import (
	"strings"
	"unicode"
)

// ValidateSessionID ensures a session id is non-empty, untrimmed and free of
// control characters.
func ValidateSessionID(id SessionID) error {
	raw := string(id)
	if raw == "" {
		return ErrInvalidSession
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidSession
	}
	for _, r := range raw {
		if unicode.IsControl(r) || r == '/' {
			return ErrInvalidSession
		}
	}
	return nil
}

// NormalizeHost applies defaults to a profile and validates it. The palette
// index selects the accent color when none is set.
func NormalizeHost(host HostProfile, paletteIndex int) (HostProfile, error) {
	host.Host = strings.TrimSpace(host.Host)
	host.Name = strings.TrimSpace(host.Name)
	host.User = strings.TrimSpace(host.User)
	if host.Host == "" {
		return HostProfile{}, ErrInvalidHost
	}
	if host.Port < 0 || host.Port > 65535 {
		return HostProfile{}, ErrInvalidHost
	}
	if host.Port == 0 {
		host.Port = DefaultSSHPort
	}
	if host.Name == "" {
		host.Name = host.Host
	}
	if host.Color == "" {
		if paletteIndex < 0 {
			paletteIndex = 0
		}
		host.Color = AccentPalette[paletteIndex%len(AccentPalette)]
	}
	if host.Tags == nil {
		host.Tags = []string{}
	}
	return host, nil
}

// ValidateGrid checks that a grid is within the range accepted by the remote pty.
func ValidateGrid(grid Grid) error {
	if !grid.Valid() || grid.Cols > MaxGridDimension || grid.Rows > MaxGridDimension {
		return ErrInvalidGrid
	}
	return nil
}
