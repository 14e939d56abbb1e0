package commands

import (
	"encoding/hex"

	"github.com/spf13/cobra"

	"wcsign/go-backend/internal/crypto"
)

func keygenCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an X25519 key pair, optionally agreeing a session key with --peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			out := map[string]string{
				"publicKey":  kp.PublicKeyHex(),
				"privateKey": hex.EncodeToString(kp.PrivateKey),
			}
			responseTopic, err := crypto.HashKey(kp.PublicKeyHex())
			if err != nil {
				return err
			}
			out["responseTopic"] = responseTopic
			if peer != "" {
				peerPub, err := crypto.ParsePublicKey(peer)
				if err != nil {
					return err
				}
				sym, err := crypto.DeriveSymKey(kp.PrivateKey, peerPub)
				if err != nil {
					return err
				}
				out["symKey"] = sym.Hex()
				out["sessionTopic"] = crypto.TopicFromKey(sym)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer X25519 public key (hex)")
	return cmd
}
