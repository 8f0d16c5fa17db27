package httpapi

import "strings"

// Config defines the browser terminal server settings.
type Config struct {
	Addr string
	// BasePath mounts the server below a path prefix.
	BasePath string
	// CellWidth and CellHeight convert browser pixel geometry to a grid.
	CellWidth  float64
	CellHeight float64
	// OriginPatterns lists extra hosts allowed to open pane streams.
	OriginPatterns []string
}

func normalizeBasePath(value string) string {
	path := strings.TrimSpace(value)
	if path == "" || path == "/" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(path, "/")
}
