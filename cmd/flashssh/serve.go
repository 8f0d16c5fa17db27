package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/httpapi"
	"pkt.systems/flashssh/sshserver"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var addr string
	var basePath string
	var sshAddr string
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve browser panes over HTTP and, when configured, an SSH gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			app, err := openApp(cmd, flashssh.WithoutSystemClipboard())
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					logger.Warn("app close failed", "err", err)
				}
			}()
			cfg := app.Config()
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			if basePath == "" {
				basePath = cfg.HTTP.BasePath
			}
			if sshAddr == "" {
				sshAddr = cfg.Gateway.Addr
			}
			terminal, err := cfg.TerminalSettings()
			if err != nil {
				return err
			}
			server := httpapi.NewServer(httpapi.Config{
				Addr:           addr,
				BasePath:       basePath,
				CellWidth:      terminal.CellWidth,
				CellHeight:     terminal.CellHeight,
				OriginPatterns: origins,
			}, app)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			runners := []func(context.Context) error{
				func(ctx context.Context) error { return httpapi.ListenAndServe(ctx, addr, server.Handler()) },
			}
			if strings.TrimSpace(sshAddr) != "" {
				gateway := &sshserver.Server{
					Config: sshserver.Config{
						Addr:           sshAddr,
						HostKeyPath:    cfg.Gateway.HostKeyPath,
						AuthorizedKeys: cfg.Gateway.AuthorizedKeys,
						TOTPSecret:     cfg.Gateway.TOTPSecret,
					},
					App: app,
				}
				runners = append(runners, gateway.ListenAndServe)
			}
			errCh := make(chan error, len(runners))
			for _, run := range runners {
				go func() {
					err := run(ctx)
					cancel()
					errCh <- err
				}()
			}
			var errs []error
			for range runners {
				if err := <-errCh; err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (defaults to http.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "serve below a path prefix (defaults to http.base_path)")
	cmd.Flags().StringVar(&sshAddr, "ssh-addr", "", "ssh gateway listen address (defaults to gateway.addr)")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "extra origin patterns allowed to open pane streams")
	return cmd
}
