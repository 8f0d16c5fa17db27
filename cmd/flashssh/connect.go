package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/localterm"
	"pkt.systems/pslog"
)

func newConnectCmd() *cobra.Command {
	var noClipboard bool
	cmd := &cobra.Command{
		Use:   "connect <host>",
		Short: "Open a host on this terminal (Ctrl-] detaches)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return errors.New("connect needs a terminal on stdout")
			}
			var opts []flashssh.Option
			if noClipboard {
				opts = append(opts, flashssh.WithoutSystemClipboard())
			}
			app, err := openApp(cmd, opts...)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			return localterm.Attach(cmd.Context(), app, args[0], localterm.Options{
				In:     os.Stdin,
				Out:    os.Stdout,
				Logger: pslog.Ctx(cmd.Context()),
			})
		},
	}
	cmd.Flags().BoolVar(&noClipboard, "no-clipboard", false, "keep captured output off the system clipboard")
	return cmd
}
