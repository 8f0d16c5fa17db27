package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FLASHSSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("hosts_file", cfg.HostsFile)
	v.SetDefault("keys.store_path", cfg.Keys.StorePath)
	v.SetDefault("keys.dir", cfg.Keys.Dir)
	v.SetDefault("terminal.debounce_ms", cfg.Terminal.DebounceMS)
	v.SetDefault("terminal.fit_retries", cfg.Terminal.FitRetries)
	v.SetDefault("terminal.retry_backoff_ms", cfg.Terminal.RetryBackoffMS)
	v.SetDefault("terminal.cell_width", cfg.Terminal.CellWidth)
	v.SetDefault("terminal.cell_height", cfg.Terminal.CellHeight)
	v.SetDefault("terminal.term", cfg.Terminal.Term)
	v.SetDefault("capture.auto_copy_cat_output", cfg.Capture.AutoCopyCatOutput)
	v.SetDefault("capture.verb", cfg.Capture.Verb)
	v.SetDefault("ssh.connect_timeout_seconds", cfg.SSH.ConnectTimeoutSeconds)
	v.SetDefault("ssh.known_hosts", cfg.SSH.KnownHosts)
	v.SetDefault("ssh.strict_host_keys", cfg.SSH.StrictHostKeys)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("gateway.addr", cfg.Gateway.Addr)
	v.SetDefault("gateway.host_key_path", cfg.Gateway.HostKeyPath)
	v.SetDefault("gateway.authorized_keys", cfg.Gateway.AuthorizedKeys)
	v.SetDefault("gateway.totp_secret", cfg.Gateway.TOTPSecret)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigPaths(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.HostsFile) == "" {
		return fmt.Errorf("hosts_file is required")
	}
	if strings.TrimSpace(cfg.Keys.StorePath) == "" || strings.TrimSpace(cfg.Keys.Dir) == "" {
		return fmt.Errorf("keys.store_path and keys.dir are required")
	}
	if cfg.SSH.StrictHostKeys && strings.TrimSpace(cfg.SSH.KnownHosts) == "" {
		return fmt.Errorf("ssh.known_hosts is required when ssh.strict_host_keys is set")
	}
	if strings.TrimSpace(cfg.Gateway.Addr) != "" {
		if strings.TrimSpace(cfg.Gateway.HostKeyPath) == "" || strings.TrimSpace(cfg.Gateway.AuthorizedKeys) == "" {
			return fmt.Errorf("gateway.host_key_path and gateway.authorized_keys are required when gateway.addr is set")
		}
	}
	if _, err := cfg.TerminalSettings(); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	return nil
}

func expandConfigPaths(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandPath(cfg.StateDir)
	cfg.HostsFile = expandPath(cfg.HostsFile)
	cfg.Keys.StorePath = expandPath(cfg.Keys.StorePath)
	cfg.Keys.Dir = expandPath(cfg.Keys.Dir)
	cfg.SSH.KnownHosts = expandPath(cfg.SSH.KnownHosts)
	cfg.Gateway.HostKeyPath = expandPath(cfg.Gateway.HostKeyPath)
	cfg.Gateway.AuthorizedKeys = expandPath(cfg.Gateway.AuthorizedKeys)
}

// ExpandPath expands $VAR references and a leading ~ in value.
func ExpandPath(value string) string {
	return expandPath(value)
}

func expandPath(value string) string {
	if value == "" {
		return value
	}
	value = os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
	if value == "~" || strings.HasPrefix(value, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			value = filepath.Join(home, strings.TrimPrefix(value, "~"))
		}
	}
	return value
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
