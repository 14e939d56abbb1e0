package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wcsign/go-backend/internal/crypto"
	"wcsign/go-backend/internal/pairing"
	"wcsign/go-backend/pkg/models"
)

func uriCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uri",
		Short: "Parse or build pairing URIs",
	}
	cmd.AddCommand(uriParseCmd(), uriNewCmd())
	return cmd
}

func uriParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <uri>",
		Short: "Decode a wc: URI and check that its topic matches the key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := pairing.ParseURI(args[0])
			if u == nil {
				return pairing.ErrInvalidURI
			}
			out := cmd.OutOrStdout()
			printField(out, "topic", u.Topic)
			printField(out, "version", u.Version)
			printField(out, "relay-protocol", u.Relay.Protocol)
			if u.ExpiryTimestamp > 0 {
				printField(out, "expiry", time.Unix(u.ExpiryTimestamp, 0).UTC().Format(time.RFC3339))
			}
			if len(u.Methods) > 0 {
				printField(out, "methods", u.Methods)
			}
			key, err := crypto.ParseSymKey(u.SymKey)
			if err != nil {
				fmt.Fprintln(out, failLabel("INVALID"), "sym key:", err)
				return err
			}
			if crypto.TopicFromKey(key) != u.Topic {
				fmt.Fprintln(out, failLabel("INVALID"), "topic does not match sym key")
				return errors.New("topic does not match sym key")
			}
			fmt.Fprintln(out, okLabel("OK"), "topic matches sym key")
			return nil
		},
	}
}

func uriNewCmd() *cobra.Command {
	var (
		ttl     time.Duration
		methods []string
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a fresh pairing key and print its URI",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateSymKey()
			if err != nil {
				return err
			}
			u := pairing.URI{
				Topic:   crypto.TopicFromKey(key),
				SymKey:  key.Hex(),
				Relay:   models.Relay{Protocol: models.DefaultRelayProtocol},
				Methods: methods,
			}
			if ttl > 0 {
				u.ExpiryTimestamp = time.Now().Add(ttl).Unix()
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", pairing.ProposedTTL, "expiry embedded in the URI (0 to omit)")
	cmd.Flags().StringSliceVar(&methods, "methods", nil, "methods advertised by the pairing")
	return cmd
}
