package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/flashssh/internal/appconfig"
	"pkt.systems/flashssh/internal/hosts"
	"pkt.systems/flashssh/internal/sshkeys"
	"pkt.systems/pslog"
)

func newInitCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config and create the host and key stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			path, err := appconfig.WriteDefault(configPath(cmd), overwrite)
			if err != nil {
				return err
			}
			logger.Info("init wrote", "path", path, "name", "config.yaml")
			cfg, err := appconfig.Load(path)
			if err != nil {
				return err
			}
			if _, err := hosts.NewStoreWithLogger(cfg.HostsFile, logger); err != nil {
				return err
			}
			logger.Info("init wrote", "path", cfg.HostsFile, "name", "hosts.yaml")
			if _, err := sshkeys.NewStoreWithLogger(cfg.Keys.StorePath, cfg.Keys.Dir, logger); err != nil {
				return err
			}
			logger.Info("init wrote", "path", cfg.Keys.StorePath, "name", "keys.bundle")
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing config")
	return cmd
}
