package cacao

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SmartAccountVerifier checks a signature through the account contract (EIP-1271, EIP-6492).
type SmartAccountVerifier interface {
	VerifySmartAccount(ctx context.Context, chainID string, account common.Address, hash common.Hash, signature []byte) error
}

// VerifyOptions pin what the verifying side expects. Empty fields are not checked.
type VerifyOptions struct {
	Domain string
	Aud    string
	Now    time.Time
}

type Verifier struct {
	smart  SmartAccountVerifier
	logger *slog.Logger
}

// NewVerifier accepts a nil smart account verifier; contract accounts then fail with ErrVerifierUnavailable.
func NewVerifier(smart SmartAccountVerifier, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{smart: smart, logger: logger}
}

func (v *Verifier) Verify(ctx context.Context, c Cacao, opts VerifyOptions) error {
	issuer, err := ParseIssuer(c.P.Iss)
	if err != nil {
		return err
	}
	if issuer.Namespace != "eip155" {
		return fmt.Errorf("%w: %s", ErrUnsupportedNamespace, issuer.Namespace)
	}
	if !common.IsHexAddress(issuer.Address) {
		return fmt.Errorf("%w: address %q", ErrInvalidIssuer, issuer.Address)
	}
	if opts.Domain != "" && !strings.EqualFold(opts.Domain, c.P.Domain) {
		return fmt.Errorf("%w: got %q want %q", ErrDomainMismatch, c.P.Domain, opts.Domain)
	}
	if opts.Aud != "" && opts.Aud != c.P.Aud {
		return fmt.Errorf("%w: got %q want %q", ErrAudienceMismatch, c.P.Aud, opts.Aud)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if err := c.P.CheckTime(now); err != nil {
		return err
	}

	message, err := FormatMessage(c.P, c.P.Iss)
	if err != nil {
		return err
	}
	sig, err := hexutil.Decode(c.S.S)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	account := common.HexToAddress(issuer.Address)
	hash := common.BytesToHash(accounts.TextHash([]byte(message)))

	switch c.S.T {
	case SignatureEIP191:
		if len(sig) == crypto.SignatureLength {
			recovered, err := recoverAddress(hash, sig)
			if err == nil && recovered == account {
				return nil
			}
		}
		// A personal_sign from a contract wallet lands here too.
		if v.smart == nil {
			return ErrSignatureMismatch
		}
		err := v.verifySmart(ctx, issuer.ChainID(), account, hash, sig)
		if errors.Is(err, ErrNotSmartAccount) {
			return ErrSignatureMismatch
		}
		return err
	case SignatureEIP1271:
		if v.smart == nil {
			return ErrVerifierUnavailable
		}
		return v.verifySmart(ctx, issuer.ChainID(), account, hash, sig)
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidSignature, c.S.T)
	}
}

func (v *Verifier) verifySmart(ctx context.Context, chainID string, account common.Address, hash common.Hash, sig []byte) error {
	err := v.smart.VerifySmartAccount(ctx, chainID, account, hash, sig)
	if err != nil {
		v.logger.Debug("smart account verification failed", "chain_id", chainID, "reason", err.Error())
	}
	return err
}

// recoverAddress accepts v as 0/1 or 27/28.
func recoverAddress(hash common.Hash, sig []byte) (common.Address, error) {
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
