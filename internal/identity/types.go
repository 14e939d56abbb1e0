package identity

import (
	"crypto/ed25519"
	"time"

	"wcsign/go-backend/internal/crypto"
)

// Identity is the public face of a client: the did:key of its relay auth key.
type Identity struct {
	ClientID  string
	PublicKey ed25519.PublicKey
	CreatedAt time.Time
}

type DerivedKeys struct {
	AuthPrivateKey ed25519.PrivateKey // signs relay auth JWTs
	AuthPublicKey  ed25519.PublicKey
	KeyAgreement   crypto.KeyPair // long lived X25519 pair, e.g. for push or notify topics
}

// seedRecord is what lands on disk, sealed with the passphrase.
type seedRecord struct {
	Version   int       `json:"version"`
	Mnemonic  string    `json:"mnemonic"`
	CreatedAt time.Time `json:"created_at"`
}

const seedRecordVersion = 1
