package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"wcsign/go-backend/internal/cacao"
)

func cacaoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cacao",
		Short: "Work with CACAO capability objects",
	}
	cmd.AddCommand(cacaoMessageCmd(), cacaoVerifyCmd())
	return cmd
}

func readCacao(path string) (cacao.Cacao, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return cacao.Cacao{}, err
	}
	var c cacao.Cacao
	if err := json.Unmarshal(raw, &c); err != nil {
		return cacao.Cacao{}, fmt.Errorf("decode cacao: %w", err)
	}
	return c, nil
}

func cacaoMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <file.json>",
		Short: "Print the SIWE message the wallet signed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readCacao(args[0])
			if err != nil {
				return err
			}
			msg, err := cacao.FormatMessage(c.P, c.P.Iss)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func cacaoVerifyCmd() *cobra.Command {
	var (
		domain    string
		aud       string
		rpcURL    string
		projectID string
	)
	cmd := &cobra.Command{
		Use:   "verify <file.json>",
		Short: "Verify the signature and validity window of a CACAO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readCacao(args[0])
			if err != nil {
				return err
			}
			var smart cacao.SmartAccountVerifier
			if rpcURL != "" || projectID != "" {
				smart = cacao.NewRPCVerifier(rpcURL, projectID)
			}
			v := cacao.NewVerifier(smart, nil)
			out := cmd.OutOrStdout()
			if err := v.Verify(cmd.Context(), c, cacao.VerifyOptions{Domain: domain, Aud: aud, Now: time.Now()}); err != nil {
				fmt.Fprintln(out, failLabel("INVALID"), err)
				return err
			}
			fmt.Fprintln(out, okLabel("VALID"), c.P.Iss)
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "expected domain")
	cmd.Flags().StringVar(&aud, "aud", "", "expected audience")
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "chain RPC endpoint for smart account signatures")
	cmd.Flags().StringVar(&projectID, "project-id", os.Getenv("WC_PROJECT_ID"), "project id for the default RPC endpoint")
	return cmd
}
