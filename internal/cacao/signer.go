package cacao

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the wallet capability: personal_sign over a message for one account.
type Signer interface {
	// Account is the CAIP-10 account the signer controls.
	Account(chainID string) string
	SignPersonal(ctx context.Context, message []byte) ([]byte, error)
}

// PrivateKeySigner signs with an in-memory secp256k1 key.
type PrivateKeySigner struct {
	key *ecdsa.PrivateKey
}

func NewPrivateKeySigner(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{key: key}
}

func GeneratePrivateKeySigner() (*PrivateKeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewPrivateKeySigner(key), nil
}

func (s *PrivateKeySigner) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *PrivateKeySigner) Account(chainID string) string {
	return chainID + ":" + s.Address()
}

func (s *PrivateKeySigner) SignPersonal(_ context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Sign builds the CACAO for payload as issued by iss.
func Sign(ctx context.Context, signer Signer, p Payload) (Cacao, error) {
	message, err := FormatMessage(p, p.Iss)
	if err != nil {
		return Cacao{}, err
	}
	sig, err := signer.SignPersonal(ctx, []byte(message))
	if err != nil {
		return Cacao{}, err
	}
	return Cacao{
		H: Header{T: HeaderCAIP122},
		P: p,
		S: Signature{T: SignatureEIP191, S: hexutil.Encode(sig)},
	}, nil
}
