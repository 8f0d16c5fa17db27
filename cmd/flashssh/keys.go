package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/flashssh/internal/appconfig"
	"pkt.systems/flashssh/internal/sshkeys"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encrypted per-host client keys",
	}
	cmd.AddCommand(newKeysGenCmd())
	cmd.AddCommand(newKeysShowCmd())
	cmd.AddCommand(newKeysRemoveCmd())
	cmd.AddCommand(newKeysImportCmd())
	return cmd
}

func newKeysGenCmd() *cobra.Command {
	var keyType string
	var keyBits int
	cmd := &cobra.Command{
		Use:   "gen <host>",
		Short: "Generate or rotate the client key for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyStore, store, err := openKeyStore(cmd)
			if err != nil {
				return err
			}
			host, err := store.Find(args[0])
			if err != nil {
				return err
			}
			pubKey, err := keyStore.GenerateKey(host.ID, keyType, keyBits)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ssh_public_key: %s\n", pubKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "key-type", sshkeys.KeyTypeEd25519, "ssh key type (ed25519 or rsa)")
	cmd.Flags().IntVar(&keyBits, "key-bits", sshkeys.DefaultRSABits, "ssh key size when using rsa")
	return cmd
}

func newKeysShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <host>",
		Short: "Print the public key for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyStore, store, err := openKeyStore(cmd)
			if err != nil {
				return err
			}
			host, err := store.Find(args[0])
			if err != nil {
				return err
			}
			pubKey, err := keyStore.LoadPublicKey(host.ID)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no stored key for %s", host.Name)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), pubKey)
			return err
		},
	}
}

func newKeysRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <host>",
		Short: "Delete the stored key for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyStore, store, err := openKeyStore(cmd)
			if err != nil {
				return err
			}
			host, err := store.Find(args[0])
			if err != nil {
				return err
			}
			if err := keyStore.RemoveKey(host.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed key: %s\n", host.Name)
			return nil
		},
	}
}

func newKeysImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <host> <private-key-file>",
		Short: "Encrypt an existing unencrypted private key for a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyStore, store, err := openKeyStore(cmd)
			if err != nil {
				return err
			}
			host, err := store.Find(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(appconfig.ExpandPath(args[1]))
			if err != nil {
				return err
			}
			pubKey, err := keyStore.ImportKey(host.ID, data)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ssh_public_key: %s\n", pubKey)
			return nil
		},
	}
}
