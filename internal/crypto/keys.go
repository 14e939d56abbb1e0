package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32
)

var (
	ErrInvalidPeerKey = errors.New("invalid peer key")
	ErrInvalidSymKey  = errors.New("invalid symmetric key")
)

// SymKey is a 32-byte ChaCha20-Poly1305 key bound to exactly one topic.
type SymKey []byte

func (k SymKey) Hex() string {
	return hex.EncodeToString(k)
}

// KeyPair is an X25519 key pair used for key agreement.
type KeyPair struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

func (kp KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.PublicKey)
}

func GenerateKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func GenerateSymKey() (SymKey, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParseSymKey decodes a hex symmetric key, as carried in pairing URIs.
func ParseSymKey(raw string) (SymKey, error) {
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSymKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidSymKey, len(key))
	}
	return key, nil
}

func ParsePublicKey(raw string) ([]byte, error) {
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidPeerKey
	}
	return key, nil
}

// DeriveSymKey runs X25519 between self and peer and expands the shared secret with HKDF-SHA256.
func DeriveSymKey(selfPrivate, peerPublic []byte) (SymKey, error) {
	if len(selfPrivate) != KeySize || len(peerPublic) != KeySize {
		return nil, ErrInvalidPeerKey
	}
	shared, err := curve25519.X25519(selfPrivate, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	defer zeroBytes(shared)
	return kdf32(shared, nil), nil
}

// TopicFromKey is the topic a symmetric key is scoped to: hex(sha256(key)).
func TopicFromKey(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// HashKey hashes a hex-encoded public key into the response topic of a type 1 exchange.
func HashKey(publicKeyHex string) (string, error) {
	raw, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return "", err
	}
	return TopicFromKey(raw), nil
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, KeySize)
	_, _ = io.ReadFull(reader, out)
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
