package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/internal/sshkeys"
	"pkt.systems/flashssh/schema"
	"pkt.systems/kryptograf/keymgmt"
)

const totpIssuer = "flashssh"

func newHostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage host profiles",
	}
	cmd.AddCommand(newHostsListCmd())
	cmd.AddCommand(newHostsAddCmd())
	cmd.AddCommand(newHostsRemoveCmd())
	cmd.AddCommand(newHostsTagsCmd())
	cmd.AddCommand(newHostsTOTPCmd())
	return cmd
}

func newHostsListCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List host profiles, most recently used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openHostStore(cmd)
			if err != nil {
				return err
			}
			list, err := store.List()
			if err != nil {
				return err
			}
			printHosts(cmd.OutOrStdout(), filterByTag(list, tag))
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "only list hosts with this tag")
	return cmd
}

func filterByTag(list []schema.HostProfile, tag string) []schema.HostProfile {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return list
	}
	out := list[:0:0]
	for _, host := range list {
		for _, t := range host.Tags {
			if t == tag {
				out = append(out, host)
				break
			}
		}
	}
	return out
}

func printHosts(w io.Writer, list []schema.HostProfile) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(w, "no hosts")
		return
	}
	for _, host := range list {
		last := "never"
		if !host.LastUsed.IsZero() {
			last = host.LastUsed.Local().Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s  %-20s %s@%s:%d  used=%d last=%s", host.ID, host.Name, host.User, host.Host, host.Port, host.UseCount, last)
		if len(host.Tags) > 0 {
			_, _ = fmt.Fprintf(w, "  [%s]", strings.Join(host.Tags, ","))
		}
		_, _ = fmt.Fprintln(w)
	}
}

func newHostsAddCmd() *cobra.Command {
	var (
		identityFile      string
		passwordPrompt    bool
		passwordFromStdin bool
		tags              []string
		color             string
		description       string
		generateKey       bool
		keyType           string
		keyBits           int
	)
	cmd := &cobra.Command{
		Use:   "add <name> <[user@]host[:port]>",
		Short: "Add a host profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := parseDestination(args[1])
			if err != nil {
				return err
			}
			profile.Name = args[0]
			profile.IdentityFile = identityFile
			profile.Tags = tags
			profile.Color = color
			profile.Description = description
			password, err := resolvePassword(cmd, passwordFromStdin, passwordPrompt)
			if err != nil {
				return err
			}
			profile.Password = password

			keyStore, store, err := openKeyStore(cmd)
			if err != nil {
				return err
			}
			host, err := store.Add(profile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "id: %s\n", host.ID)
			_, _ = fmt.Fprintf(out, "name: %s\n", host.Name)
			_, _ = fmt.Fprintf(out, "destination: %s@%s:%d\n", host.User, host.Host, host.Port)
			if generateKey {
				pubKey, err := keyStore.GenerateKey(host.ID, keyType, keyBits)
				if err != nil {
					_ = store.Delete(host.ID)
					return err
				}
				_, _ = fmt.Fprintf(out, "ssh_public_key: %s\n", pubKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&identityFile, "identity-file", "i", "", "private key file to authenticate with")
	cmd.Flags().BoolVar(&passwordPrompt, "password", false, "prompt for a password")
	cmd.Flags().BoolVar(&passwordFromStdin, "password-from-stdin", false, "read password from stdin")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag the profile (repeatable)")
	cmd.Flags().StringVar(&color, "color", "", "accent color (defaults to the palette)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().BoolVar(&generateKey, "generate-key", false, "generate a stored client key for the host")
	cmd.Flags().StringVar(&keyType, "key-type", sshkeys.KeyTypeEd25519, "ssh key type (ed25519 or rsa)")
	cmd.Flags().IntVar(&keyBits, "key-bits", sshkeys.DefaultRSABits, "ssh key size when using rsa")
	return cmd
}

// parseDestination splits [user@]host[:port].
func parseDestination(value string) (schema.HostProfile, error) {
	var profile schema.HostProfile
	value = strings.TrimSpace(value)
	if at := strings.LastIndex(value, "@"); at >= 0 {
		profile.User = value[:at]
		value = value[at+1:]
	}
	if value == "" {
		return schema.HostProfile{}, errors.New("destination host is required")
	}
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		profile.Host = strings.Trim(value, "[]")
		return profile, nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return schema.HostProfile{}, fmt.Errorf("invalid port %q", port)
	}
	profile.Host = host
	profile.Port = n
	return profile, nil
}

func newHostsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <host>",
		Aliases: []string{"delete"},
		Short:   "Delete a host profile and its stored key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, flashssh.WithoutSystemClipboard())
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			host, err := app.Hosts().Find(args[0])
			if err != nil {
				return err
			}
			if err := app.DeleteHost(cmd.Context(), host.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted host: %s\n", host.Name)
			return nil
		},
	}
}

func newHostsTagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List tags used by host profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openHostStore(cmd)
			if err != nil {
				return err
			}
			tags, err := store.Tags()
			if err != nil {
				return err
			}
			for _, tag := range tags {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), tag)
			}
			return nil
		},
	}
}

func newHostsTOTPCmd() *cobra.Command {
	var secret string
	var clear bool
	cmd := &cobra.Command{
		Use:   "totp <host>",
		Short: "Enroll a verification-code secret for keyboard-interactive logins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openHostStore(cmd)
			if err != nil {
				return err
			}
			host, err := store.Find(args[0])
			if err != nil {
				return err
			}
			if clear {
				if err := store.SetTOTPSecret(host.ID, ""); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "totp cleared: %s\n", host.Name)
				return nil
			}
			url := ""
			if strings.TrimSpace(secret) == "" {
				secret, url, err = generateTOTP(host.User + "@" + host.Host)
				if err != nil {
					return err
				}
			}
			if err := store.SetTOTPSecret(host.ID, secret); err != nil {
				return err
			}
			printTOTPEnrollment(cmd.OutOrStdout(), host.Name, strings.TrimSpace(secret), url)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "use an existing base32 secret instead of generating one")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the stored secret")
	return cmd
}

func resolvePassword(cmd *cobra.Command, fromStdin, prompt bool) (string, error) {
	if fromStdin && prompt {
		return "", errors.New("choose one of --password-from-stdin or --password")
	}
	if fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", err
		}
		pass := strings.TrimSpace(string(data))
		if pass == "" {
			return "", errors.New("password from stdin is empty")
		}
		return pass, nil
	}
	if !prompt {
		return "", nil
	}
	passphrase, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	if len(passphrase) == 0 {
		return "", errors.New("password is empty")
	}
	return string(passphrase), nil
}

func generateTOTP(account string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

func printTOTPEnrollment(w io.Writer, name, secret, url string) {
	_, _ = fmt.Fprintf(w, "host: %s\n", name)
	_, _ = fmt.Fprintf(w, "totp_secret: %s\n", secret)
	if url != "" {
		_, _ = fmt.Fprintf(w, "otpauth_url: %s\n", url)
		_, _ = fmt.Fprintln(w, "totp_qr:")
		qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
	}
}
