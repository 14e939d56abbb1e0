package didjwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"time"
)

const DefaultRelayAuthTTL = 24 * time.Hour

// RelayAuthClaims authenticate a client to the relay. sub is random per token.
type RelayAuthClaims struct {
	RegisteredClaims
}

func SignRelayAuth(key ed25519.PrivateKey, relayURL string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		ttl = DefaultRelayAuthTTL
	}
	sub := make([]byte, 32)
	if _, err := rand.Read(sub); err != nil {
		return "", err
	}
	pub, _ := key.Public().(ed25519.PublicKey)
	return Sign(key, RelayAuthClaims{RegisteredClaims{
		Iss: EncodeDIDKey(pub),
		Sub: hex.EncodeToString(sub),
		Aud: relayURL,
		Iat: now.Unix(),
		Exp: now.Add(ttl).Unix(),
	}})
}

// VerifyRelayAuth is the relay-side check of a client token.
func VerifyRelayAuth(token, relayURL string, now time.Time) (*RelayAuthClaims, error) {
	var claims RelayAuthClaims
	if err := VerifySignature(token, &claims); err != nil {
		return nil, err
	}
	if claims.Exp <= now.Unix() {
		return nil, ErrExpired
	}
	if claims.Aud != relayURL {
		return nil, ErrInvalidJWT
	}
	return &claims, nil
}
