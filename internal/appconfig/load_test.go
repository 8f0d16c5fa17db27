package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
hosts_file: /state/hosts.yaml
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
hosts_file: /state/hosts.yaml
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected missing config_version error, got %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Terminal.DebounceMS != 100 || cfg.Capture.Verb != "cat" || !cfg.Capture.AutoCopyCatOutput {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOverridesTerminal(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
hosts_file: /state/hosts.yaml
terminal:
  debounce_ms: 250
  fit_retries: 5
capture:
  auto_copy_cat_output: false
  verb: bat
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	term, err := cfg.TerminalSettings()
	if err != nil {
		t.Fatalf("terminal settings: %v", err)
	}
	if term.Debounce != 250*time.Millisecond || term.FitRetries != 5 {
		t.Fatalf("unexpected timing %+v", term)
	}
	if term.AutoCopyCatOutput || term.CaptureVerb != "bat" {
		t.Fatalf("unexpected capture settings %+v", term)
	}
	if cfg.HostsFile != "/state/hosts.yaml" {
		t.Fatalf("unexpected hosts file %q", cfg.HostsFile)
	}
}

func TestLoadRejectsNegativeRetries(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
terminal:
  fit_retries: -1
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestLoadStrictHostKeysNeedsKnownHosts(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
ssh:
  strict_host_keys: true
  known_hosts: ""
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "known_hosts") {
		t.Fatalf("expected known_hosts error, got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandPath("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/.ssh/id_rsa"); got != filepath.Join(home, ".ssh", "id_rsa") {
		t.Fatalf("expected home expansion, got %q", got)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadGatewayNeedsKeyPaths(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
gateway:
  addr: 127.0.0.1:27491
  authorized_keys: ""
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "gateway.authorized_keys") {
		t.Fatalf("expected gateway validation error, got %v", err)
	}
}

func TestLoadGatewayDefaultsToDisabled(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Addr != "" || !strings.HasSuffix(cfg.Gateway.HostKeyPath, filepath.Join("gateway", "host_key")) {
		t.Fatalf("unexpected gateway defaults %+v", cfg.Gateway)
	}
}
