package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wcsign/go-backend/internal/didjwt"
)

func jwtCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Inspect and verify did:key JWTs",
	}
	cmd.AddCommand(jwtInspectCmd(), jwtVerifyRelayCmd())
	return cmd
}

func jwtInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <token>",
		Short: "Print header and claims without checking the signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded, err := didjwt.Decode(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"header": decoded.Header, "claims": decoded.Claims})
		},
	}
}

func jwtVerifyRelayCmd() *cobra.Command {
	var relayURL string
	cmd := &cobra.Command{
		Use:   "verify-relay <token>",
		Short: "Verify a relay auth token the way the relay does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			claims, err := didjwt.VerifyRelayAuth(args[0], relayURL, time.Now())
			if err != nil {
				fmt.Fprintln(out, failLabel("INVALID"), err)
				return err
			}
			fmt.Fprintln(out, okLabel("VALID"), "relay auth token")
			printField(out, "iss", claims.Iss)
			printField(out, "aud", claims.Aud)
			printField(out, "exp", time.Unix(claims.Exp, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay-url", "wss://relay.walletconnect.org", "expected aud")
	return cmd
}
