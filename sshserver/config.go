package sshserver

// Config defines the SSH gateway settings.
type Config struct {
	Addr        string
	HostKeyPath string
	// AuthorizedKeys lists the public keys allowed to log in.
	AuthorizedKeys string
	// TOTPSecret adds a verification-code step after the public key when set.
	TOTPSecret string
}
