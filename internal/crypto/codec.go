package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EnvelopeType is the leading byte of every serialized envelope.
type EnvelopeType uint8

const (
	// EnvelopeType0 is sealed with the topic's symmetric key.
	EnvelopeType0 EnvelopeType = 0
	// EnvelopeType1 carries the sender public key; the key is agreed per message.
	EnvelopeType1 EnvelopeType = 1
	// EnvelopeType2 carries an unsealed payload for exchanges that happen before any key exists.
	EnvelopeType2 EnvelopeType = 2
)

var (
	ErrDecryption          = errors.New("decryption failed")
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrUnsupportedEnvelope = errors.New("unsupported envelope type")
	ErrUnsealedEnvelope    = errors.New("unsealed envelope not accepted")
	ErrMissingParticipants = errors.New("type 1 envelope requires participants")
)

// Envelope is the decoded form of a wire envelope.
type Envelope struct {
	Type            EnvelopeType
	Sealbox         []byte
	SenderPublicKey []byte
	Nonce           []byte
}

// Participants names the key pair used for a type 1 envelope.
type Participants struct {
	SenderPublicKey   string
	ReceiverPublicKey string
}

type Codec interface {
	Encrypt(topic string, payload []byte, envelopeType EnvelopeType, participants *Participants) ([]byte, error)
	Decrypt(topic string, data []byte) ([]byte, error)
	DecryptEnvelope(topic string, data []byte) ([]byte, Envelope, error)
}

// ChaChaPolyCodec seals envelopes with ChaCha20-Poly1305 using keys from a KeyStore.
type ChaChaPolyCodec struct {
	keys          KeyStore
	allowUnsealed bool
}

type CodecOption func(*ChaChaPolyCodec)

// WithUnsealedEnvelopes lets Decrypt return type 2 payloads.
func WithUnsealedEnvelopes() CodecOption {
	return func(c *ChaChaPolyCodec) {
		c.allowUnsealed = true
	}
}

func NewChaChaPolyCodec(keys KeyStore, opts ...CodecOption) *ChaChaPolyCodec {
	c := &ChaChaPolyCodec{keys: keys}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ChaChaPolyCodec) Encrypt(topic string, payload []byte, envelopeType EnvelopeType, participants *Participants) ([]byte, error) {
	switch envelopeType {
	case EnvelopeType0:
		key, err := c.keys.GetSymKey(topic)
		if err != nil {
			return nil, err
		}
		return seal(EnvelopeType0, key, nil, payload)
	case EnvelopeType1:
		if participants == nil {
			return nil, ErrMissingParticipants
		}
		sender, err := c.keys.GetKeyPair(participants.SenderPublicKey)
		if err != nil {
			return nil, err
		}
		receiver, err := ParsePublicKey(participants.ReceiverPublicKey)
		if err != nil {
			return nil, err
		}
		key, err := DeriveSymKey(sender.PrivateKey, receiver)
		if err != nil {
			return nil, err
		}
		defer zeroBytes(key)
		return seal(EnvelopeType1, key, sender.PublicKey, payload)
	case EnvelopeType2:
		out := make([]byte, 0, 1+len(payload))
		out = append(out, byte(EnvelopeType2))
		return append(out, payload...), nil
	default:
		return nil, ErrUnsupportedEnvelope
	}
}

func (c *ChaChaPolyCodec) Decrypt(topic string, data []byte) ([]byte, error) {
	plaintext, _, err := c.DecryptEnvelope(topic, data)
	return plaintext, err
}

// DecryptEnvelope opens data and also returns the decoded envelope header.
// Any integrity failure rejects the whole message.
func (c *ChaChaPolyCodec) DecryptEnvelope(topic string, data []byte) ([]byte, Envelope, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, Envelope{}, err
	}
	switch env.Type {
	case EnvelopeType0:
		key, err := c.keys.GetSymKey(topic)
		if err != nil {
			return nil, env, fmt.Errorf("%w: %w", ErrDecryption, err)
		}
		plaintext, err := open(key, env)
		return plaintext, env, err
	case EnvelopeType1:
		receiverPub, err := c.keys.GetTopicPublicKey(topic)
		if err != nil {
			return nil, env, fmt.Errorf("%w: %w", ErrDecryption, err)
		}
		receiver, err := c.keys.GetKeyPair(receiverPub)
		if err != nil {
			return nil, env, fmt.Errorf("%w: %w", ErrDecryption, err)
		}
		key, err := DeriveSymKey(receiver.PrivateKey, env.SenderPublicKey)
		if err != nil {
			return nil, env, fmt.Errorf("%w: %w", ErrDecryption, err)
		}
		defer zeroBytes(key)
		plaintext, err := open(key, env)
		return plaintext, env, err
	default:
		if !c.allowUnsealed {
			return nil, env, ErrUnsealedEnvelope
		}
		return append([]byte(nil), env.Sealbox...), env, nil
	}
}

// ParseEnvelope splits the framing without touching key material.
func ParseEnvelope(data []byte) (Envelope, error) {
	if len(data) < 1 {
		return Envelope{}, ErrMalformedEnvelope
	}
	env := Envelope{Type: EnvelopeType(data[0])}
	rest := data[1:]
	switch env.Type {
	case EnvelopeType0:
	case EnvelopeType1:
		if len(rest) < KeySize {
			return Envelope{}, ErrMalformedEnvelope
		}
		env.SenderPublicKey = append([]byte(nil), rest[:KeySize]...)
		rest = rest[KeySize:]
	case EnvelopeType2:
		env.Sealbox = append([]byte(nil), rest...)
		return env, nil
	default:
		return Envelope{}, ErrUnsupportedEnvelope
	}
	if len(rest) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return Envelope{}, ErrMalformedEnvelope
	}
	env.Nonce = append([]byte(nil), rest[:chacha20poly1305.NonceSize]...)
	env.Sealbox = append([]byte(nil), rest[chacha20poly1305.NonceSize:]...)
	return env, nil
}

// EncodeMessage is the relay wire form of an envelope.
func EncodeMessage(envelope []byte) string {
	return base64.StdEncoding.EncodeToString(envelope)
}

func DecodeMessage(message string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err == nil {
		return raw, nil
	}
	// Link-mode payloads travel base64url encoded.
	raw, urlErr := base64.RawURLEncoding.DecodeString(message)
	if urlErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return raw, nil
}

func seal(envelopeType EnvelopeType, key, senderPublicKey, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(senderPublicKey)+len(nonce)+len(payload)+aead.Overhead())
	out = append(out, byte(envelopeType))
	out = append(out, senderPublicKey...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, payload, nil), nil
}

func open(key []byte, env Envelope) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Sealbox, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
