package schema

import "errors"

var (
	// ErrAlreadyConnecting indicates a connect was issued for a session that is
	// already connecting or connected.
	ErrAlreadyConnecting = errors.New("session already connecting")
	// ErrInvalidSession indicates an empty or malformed session id.
	ErrInvalidSession = errors.New("invalid session")
	// ErrSessionNotFound indicates no live transport exists for the session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrHostNotFound indicates the host profile could not be found.
	ErrHostNotFound = errors.New("host not found")
	// ErrInvalidHost indicates a host profile failed validation.
	ErrInvalidHost = errors.New("invalid host")
	// ErrNoAuthMethod indicates no SSH authentication method could be built.
	ErrNoAuthMethod = errors.New("no auth method available")
	// ErrInvalidGrid indicates terminal dimensions outside the accepted range.
	ErrInvalidGrid = errors.New("invalid terminal dimensions")
	// ErrLayoutNotReady indicates the surface cannot be measured yet.
	ErrLayoutNotReady = errors.New("layout not ready")
	// ErrPaneClosed indicates an operation on a pane that was torn down.
	ErrPaneClosed = errors.New("pane closed")
)
