package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"wcsign/go-backend/internal/crypto"
	"wcsign/go-backend/internal/didjwt"
)

const (
	hkdfInfoRelayAuth    = "wcsign/identity/relay-auth/v1"
	hkdfInfoKeyAgreement = "wcsign/identity/key-agreement/v1"
)

// DeriveKeys expands a BIP-39 seed into the client's Ed25519 and X25519 keys.
func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	authSeed, err := hkdfExpand(seedBytes, hkdfInfoRelayAuth, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	agreementPriv, err := hkdfExpand(seedBytes, hkdfInfoKeyAgreement, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	agreementPub, err := curve25519.X25519(agreementPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	authPriv := ed25519.NewKeyFromSeed(authSeed)
	return &DerivedKeys{
		AuthPrivateKey: authPriv,
		AuthPublicKey:  authPriv.Public().(ed25519.PublicKey),
		KeyAgreement:   crypto.KeyPair{PublicKey: agreementPub, PrivateKey: agreementPriv},
	}, nil
}

func FromKeys(keys *DerivedKeys) (Identity, error) {
	if keys == nil || len(keys.AuthPublicKey) != ed25519.PublicKeySize {
		return Identity{}, ErrIdentityInit
	}
	return Identity{
		ClientID:  didjwt.EncodeDIDKey(keys.AuthPublicKey),
		PublicKey: append(ed25519.PublicKey(nil), keys.AuthPublicKey...),
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
