package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"wcsign/go-backend/internal/identity"
)

func identityCmd() *cobra.Command {
	var (
		dataDir    string
		passphrase string
	)
	manager := func() (*identity.Manager, error) {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, err
		}
		return identity.NewManager(filepath.Join(dataDir, "identity.enc")), nil
	}

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the client identity the daemon authenticates to the relay with",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "daemon data directory")
	cmd.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", os.Getenv("WC_STORAGE_PASSPHRASE"), "passphrase protecting the seed")

	show := &cobra.Command{
		Use:   "show",
		Short: "Unlock (or create) the identity and print its client id",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			id, created, err := m.LoadOrCreate(passphrase)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintln(out, okLabel("CREATED"), "new identity")
			}
			printField(out, "client_id", id.ClientID)
			printField(out, "created_at", id.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}

	var mnemonic string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the identity with one derived from a BIP-39 mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			id, err := m.Import(mnemonic, passphrase)
			if err != nil {
				return err
			}
			printField(cmd.OutOrStdout(), "client_id", id.ClientID)
			return nil
		},
	}
	importCmd.Flags().StringVar(&mnemonic, "mnemonic", "", "24 word mnemonic")

	export := &cobra.Command{
		Use:   "export",
		Short: "Print the mnemonic of the stored identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			if _, err := m.Unlock(passphrase); err != nil {
				return err
			}
			phrase, err := m.Export(passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), phrase)
			return nil
		},
	}

	var (
		relayURL string
		ttl      time.Duration
	)
	token := &cobra.Command{
		Use:   "token",
		Short: "Sign a relay auth JWT with the identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			if _, err := m.Unlock(passphrase); err != nil {
				return err
			}
			jwt, err := m.RelayAuthToken(relayURL, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jwt)
			return nil
		},
	}
	token.Flags().StringVar(&relayURL, "relay-url", "wss://relay.walletconnect.org", "relay the token is issued for")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	cmd.AddCommand(show, importCmd, export, token)
	return cmd
}
