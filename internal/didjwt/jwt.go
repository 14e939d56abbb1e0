package didjwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidJWT       = errors.New("invalid jwt")
	ErrInvalidSignature = errors.New("invalid jwt signature")
	ErrExpired          = errors.New("jwt expired")
	ErrActMismatch      = errors.New("jwt act mismatch")
	ErrMjvMismatch      = errors.New("jwt mjv mismatch")
)

// Expiry and act/mjv are checked by the callers against their own clock.
var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	jwt.WithoutClaimsValidation(),
)

// RegisteredClaims are the numeric-date claims every did-jwt carries, as unix seconds.
type RegisteredClaims struct {
	Iss string `json:"iss"`
	Sub string `json:"sub,omitempty"`
	Aud string `json:"aud,omitempty"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

func (c RegisteredClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return unixDate(c.Exp), nil
}

func (c RegisteredClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return unixDate(c.Iat), nil
}

func (c RegisteredClaims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }

func (c RegisteredClaims) GetIssuer() (string, error) { return c.Iss, nil }

func (c RegisteredClaims) GetSubject() (string, error) { return c.Sub, nil }

func (c RegisteredClaims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Aud == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Aud}, nil
}

func unixDate(sec int64) *jwt.NumericDate {
	if sec == 0 {
		return nil
	}
	return jwt.NewNumericDate(time.Unix(sec, 0))
}

// Claims are the registered claims plus the act/mjv pair every side-channel message carries.
type Claims struct {
	RegisteredClaims
	Act string `json:"act,omitempty"`
	Mjv string `json:"mjv,omitempty"`
	Ksu string `json:"ksu,omitempty"`
	App string `json:"app,omitempty"`
}

// Sign produces a compact EdDSA JWT over claims.
func Sign(key ed25519.PrivateKey, claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}

// Decoded is a split JWT; nothing in it is trusted yet.
type Decoded struct {
	Header    map[string]any
	Claims    jwt.MapClaims
	Signature []byte
}

func Decode(token string) (Decoded, error) {
	claims := jwt.MapClaims{}
	t, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrInvalidJWT, err)
	}
	return Decoded{Header: t.Header, Claims: claims, Signature: t.Signature}, nil
}

// VerifySignature checks the EdDSA signature against the did:key in iss and
// fills claims from the payload.
func VerifySignature(token string, claims jwt.Claims) error {
	_, err := parser.ParseWithClaims(token, claims, issuerKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidDID):
		return err
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("%w: %v", ErrInvalidJWT, err)
	}
}

func issuerKey(t *jwt.Token) (any, error) {
	iss, err := t.Claims.GetIssuer()
	if err != nil {
		return nil, err
	}
	pub, err := DecodeDIDKey(iss)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// Verify checks signature, expiry and the act/mjv pair expected for this message type.
func Verify(token, expectedAct, expectedMjv string, now time.Time) (*Claims, error) {
	var claims Claims
	if err := VerifySignature(token, &claims); err != nil {
		return nil, err
	}
	if err := claims.Validate(expectedAct, expectedMjv, now); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (c Claims) Validate(expectedAct, expectedMjv string, now time.Time) error {
	if c.Exp <= now.Unix() {
		return ErrExpired
	}
	if c.Act != expectedAct {
		return fmt.Errorf("%w: got %q want %q", ErrActMismatch, c.Act, expectedAct)
	}
	if c.Mjv != expectedMjv {
		return fmt.Errorf("%w: got %q want %q", ErrMjvMismatch, c.Mjv, expectedMjv)
	}
	return nil
}
