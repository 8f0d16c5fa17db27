package main

import (
	"strings"

	"github.com/spf13/cobra"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/internal/appconfig"
	"pkt.systems/flashssh/internal/hosts"
	"pkt.systems/flashssh/internal/sshkeys"
	"pkt.systems/pslog"
)

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return strings.TrimSpace(path)
}

func loadConfig(cmd *cobra.Command) (appconfig.Config, error) {
	return appconfig.Load(configPath(cmd))
}

func openApp(cmd *cobra.Command, opts ...flashssh.Option) (*flashssh.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	opts = append([]flashssh.Option{flashssh.WithLogger(pslog.Ctx(cmd.Context()))}, opts...)
	return flashssh.New(cfg, opts...)
}

func openHostStore(cmd *cobra.Command) (*hosts.Store, appconfig.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, appconfig.Config{}, err
	}
	store, err := hosts.NewStoreWithLogger(cfg.HostsFile, pslog.Ctx(cmd.Context()))
	if err != nil {
		return nil, appconfig.Config{}, err
	}
	return store, cfg, nil
}

func openKeyStore(cmd *cobra.Command) (*sshkeys.Store, *hosts.Store, error) {
	hostStore, cfg, err := openHostStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	keyStore, err := sshkeys.NewStoreWithLogger(cfg.Keys.StorePath, cfg.Keys.Dir, pslog.Ctx(cmd.Context()))
	if err != nil {
		return nil, nil, err
	}
	return keyStore, hostStore, nil
}
