package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/flashssh/internal/appconfig"
	"pkt.systems/flashssh/internal/clipboard"
	"pkt.systems/flashssh/internal/hosts"
	"pkt.systems/flashssh/internal/sshkeys"
	"pkt.systems/pslog"
)

type doctorCheck struct {
	name string
	run  func(appconfig.Config) (string, error)
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, stores and host-key settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger.Info("doctor start", "config", configPath(cmd))
			checks := []doctorCheck{
				{name: "hosts", run: func(cfg appconfig.Config) (string, error) {
					store, err := hosts.NewStoreWithLogger(cfg.HostsFile, logger)
					if err != nil {
						return "", err
					}
					list, err := store.List()
					if err != nil {
						return "", err
					}
					return fmt.Sprintf("%d profiles in %s", len(list), cfg.HostsFile), nil
				}},
				{name: "keys", run: func(cfg appconfig.Config) (string, error) {
					if _, err := sshkeys.NewStoreWithLogger(cfg.Keys.StorePath, cfg.Keys.Dir, logger); err != nil {
						return "", err
					}
					return cfg.Keys.StorePath, nil
				}},
				{name: "known_hosts", run: checkKnownHosts},
				{name: "clipboard", run: func(appconfig.Config) (string, error) {
					if !clipboard.Available() {
						return "unavailable; captures stay in the app", nil
					}
					return "system clipboard", nil
				}},
			}
			return runDoctor(cmd.OutOrStdout(), cfg, checks)
		},
	}
}

func runDoctor(w io.Writer, cfg appconfig.Config, checks []doctorCheck) error {
	var failed []error
	for _, check := range checks {
		detail, err := check.run(cfg)
		if err != nil {
			_, _ = fmt.Fprintf(w, "FAIL %-12s %v\n", check.name, err)
			failed = append(failed, fmt.Errorf("%s: %w", check.name, err))
			continue
		}
		_, _ = fmt.Fprintf(w, "ok   %-12s %s\n", check.name, detail)
	}
	return errors.Join(failed...)
}

func checkKnownHosts(cfg appconfig.Config) (string, error) {
	path := cfg.SSH.KnownHosts
	if path == "" {
		if cfg.SSH.StrictHostKeys {
			return "", errors.New("strict host keys need ssh.known_hosts")
		}
		return "not configured; host keys are not verified", nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !cfg.SSH.StrictHostKeys {
			return path + " missing; host keys are not verified", nil
		}
		return "", err
	}
	if _, err := knownhosts.New(path); err != nil {
		return "", err
	}
	mode := "unknown hosts accepted"
	if cfg.SSH.StrictHostKeys {
		mode = "strict"
	}
	return fmt.Sprintf("%s (%s)", path, mode), nil
}
