package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/flashssh/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	HostsFile     string         `mapstructure:"hosts_file" yaml:"hosts_file"`
	Keys          KeysConfig     `mapstructure:"keys" yaml:"keys"`
	Terminal      TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	Capture       CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	SSH           SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	Gateway       GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// KeysConfig locates the encrypted per-host key store.
type KeysConfig struct {
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
	Dir       string `mapstructure:"dir" yaml:"dir"`
}

// TerminalConfig controls pane timing and font metrics.
type TerminalConfig struct {
	DebounceMS     int     `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	FitRetries     int     `mapstructure:"fit_retries" yaml:"fit_retries"`
	RetryBackoffMS int     `mapstructure:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	CellWidth      float64 `mapstructure:"cell_width" yaml:"cell_width"`
	CellHeight     float64 `mapstructure:"cell_height" yaml:"cell_height"`
	Term           string  `mapstructure:"term" yaml:"term"`
}

// CaptureConfig controls clipboard capture of command output.
type CaptureConfig struct {
	AutoCopyCatOutput bool   `mapstructure:"auto_copy_cat_output" yaml:"auto_copy_cat_output"`
	Verb              string `mapstructure:"verb" yaml:"verb"`
}

// SSHConfig configures outbound SSH connections.
type SSHConfig struct {
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	KnownHosts            string `mapstructure:"known_hosts" yaml:"known_hosts"`
	StrictHostKeys        bool   `mapstructure:"strict_host_keys" yaml:"strict_host_keys"`
}

// HTTPConfig configures the browser terminal server.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// GatewayConfig configures the inbound SSH gateway. An empty Addr disables it.
type GatewayConfig struct {
	Addr           string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath    string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeys string `mapstructure:"authorized_keys" yaml:"authorized_keys"`
	TOTPSecret     string `mapstructure:"totp_secret" yaml:"totp_secret,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".flashssh")
	term := schema.DefaultTerminalConfig()
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      base,
		HostsFile:     filepath.Join(base, "hosts.yaml"),
		Keys: KeysConfig{
			StorePath: filepath.Join(base, "keys", "keys.bundle"),
			Dir:       filepath.Join(base, "keys", "hosts"),
		},
		Terminal: TerminalConfig{
			DebounceMS:     int(term.Debounce / time.Millisecond),
			FitRetries:     term.FitRetries,
			RetryBackoffMS: int(term.RetryBackoff / time.Millisecond),
			CellWidth:      term.CellWidth,
			CellHeight:     term.CellHeight,
			Term:           "xterm-256color",
		},
		Capture: CaptureConfig{
			AutoCopyCatOutput: term.AutoCopyCatOutput,
			Verb:              term.CaptureVerb,
		},
		SSH: SSHConfig{
			ConnectTimeoutSeconds: 15,
			KnownHosts:            filepath.Join(home, ".ssh", "known_hosts"),
			StrictHostKeys:        false,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:27490",
		},
		Gateway: GatewayConfig{
			HostKeyPath:    filepath.Join(base, "gateway", "host_key"),
			AuthorizedKeys: filepath.Join(base, "gateway", "authorized_keys"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".flashssh", "config.yaml"), nil
}

// TerminalSettings converts the terminal and capture sections into pane settings.
func (c Config) TerminalSettings() (schema.TerminalConfig, error) {
	return schema.NormalizeTerminalConfig(schema.TerminalConfig{
		Debounce:          time.Duration(c.Terminal.DebounceMS) * time.Millisecond,
		FitRetries:        c.Terminal.FitRetries,
		RetryBackoff:      time.Duration(c.Terminal.RetryBackoffMS) * time.Millisecond,
		CellWidth:         c.Terminal.CellWidth,
		CellHeight:        c.Terminal.CellHeight,
		AutoCopyCatOutput: c.Capture.AutoCopyCatOutput,
		CaptureVerb:       c.Capture.Verb,
	})
}

// ConnectTimeout returns the SSH dial timeout.
func (c Config) ConnectTimeout() time.Duration {
	if c.SSH.ConnectTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.SSH.ConnectTimeoutSeconds) * time.Second
}
