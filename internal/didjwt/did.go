package didjwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-varint"
)

const (
	didKeyPrefix = "did:key:"
	didPkhPrefix = "did:pkh:"
	didWebPrefix = "did:web:"
)

var ErrInvalidDID = errors.New("invalid did")

// EncodeDIDKey renders an Ed25519 public key as did:key:z<base58btc(0xed01 || key)>.
func EncodeDIDKey(pub ed25519.PublicKey) string {
	return encodeDIDKey(multicodec.Ed25519Pub, pub)
}

func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	raw, err := decodeDIDKey(did, multicodec.Ed25519Pub)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 key size %d", ErrInvalidDID, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeX25519DIDKey renders a key agreement public key as did:key.
func EncodeX25519DIDKey(pub []byte) string {
	return encodeDIDKey(multicodec.X25519Pub, pub)
}

func DecodeX25519DIDKey(did string) ([]byte, error) {
	raw, err := decodeDIDKey(did, multicodec.X25519Pub)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: x25519 key size %d", ErrInvalidDID, len(raw))
	}
	return raw, nil
}

func encodeDIDKey(codec multicodec.Code, pub []byte) string {
	body := append(varint.ToUvarint(uint64(codec)), pub...)
	// base58btc accepts any input, so the error is always nil.
	encoded, _ := multibase.Encode(multibase.Base58BTC, body)
	return didKeyPrefix + encoded
}

func decodeDIDKey(did string, want multicodec.Code) ([]byte, error) {
	value, ok := strings.CutPrefix(did, didKeyPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a did:key", ErrInvalidDID, did)
	}
	enc, raw, err := multibase.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if enc != multibase.Base58BTC {
		return nil, fmt.Errorf("%w: multibase %q, want base58btc", ErrInvalidDID, multibase.EncodingToStr[enc])
	}
	code, n, err := varint.FromUvarint(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: multicodec: %v", ErrInvalidDID, err)
	}
	if multicodec.Code(code) != want {
		return nil, fmt.Errorf("%w: multicodec %s, want %s", ErrInvalidDID, multicodec.Code(code), want)
	}
	return raw[n:], nil
}

// EncodeDIDPkh wraps a CAIP-10 account id (namespace:reference:address).
func EncodeDIDPkh(account string) string {
	return didPkhPrefix + account
}

// DecodeDIDPkh returns the CAIP-10 account of a did:pkh.
func DecodeDIDPkh(did string) (string, error) {
	account := strings.TrimPrefix(did, didPkhPrefix)
	if account == did || strings.Count(account, ":") != 2 {
		return "", fmt.Errorf("%w: %q is not a did:pkh", ErrInvalidDID, did)
	}
	for _, part := range strings.Split(account, ":") {
		if part == "" {
			return "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidDID, did)
		}
	}
	return account, nil
}

// EncodeDIDWeb accepts a bare host or a URL and keeps only the host.
func EncodeDIDWeb(domain string) string {
	host := domain
	if u, err := url.Parse(domain); err == nil && u.Host != "" {
		host = u.Host
	}
	return didWebPrefix + url.PathEscape(strings.ToLower(host))
}

func DecodeDIDWeb(did string) (string, error) {
	host := strings.TrimPrefix(did, didWebPrefix)
	if host == did || host == "" {
		return "", fmt.Errorf("%w: %q is not a did:web", ErrInvalidDID, did)
	}
	decoded, err := url.PathUnescape(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	return decoded, nil
}
