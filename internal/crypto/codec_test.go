package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newSymTopic(t *testing.T, ks KeyStore) (string, SymKey) {
	t.Helper()
	key, err := GenerateSymKey()
	if err != nil {
		t.Fatalf("generate sym key failed: %v", err)
	}
	topic := TopicFromKey(key)
	if err := ks.SetSymKey(topic, key); err != nil {
		t.Fatalf("set sym key failed: %v", err)
	}
	return topic, key
}

func TestType0RoundTrip(t *testing.T) {
	ks := NewInMemoryKeyStore()
	codec := NewChaChaPolyCodec(ks)
	topic, _ := newSymTopic(t, ks)

	for _, msg := range [][]byte{[]byte(`{"id":1}`), {}, bytes.Repeat([]byte("x"), 4096)} {
		sealed, err := codec.Encrypt(topic, msg, EnvelopeType0, nil)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if sealed[0] != byte(EnvelopeType0) {
			t.Fatalf("unexpected type byte %d", sealed[0])
		}
		plain, err := codec.Decrypt(topic, sealed)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !bytes.Equal(plain, msg) {
			t.Fatalf("round trip mismatch: %q != %q", plain, msg)
		}
	}
}

func TestDecryptWithWrongKeyFailsClosed(t *testing.T) {
	sender := NewInMemoryKeyStore()
	receiver := NewInMemoryKeyStore()
	topic, _ := newSymTopic(t, sender)
	other, err := GenerateSymKey()
	if err != nil {
		t.Fatalf("generate sym key failed: %v", err)
	}
	if err := receiver.SetSymKey(topic, other); err != nil {
		t.Fatalf("set sym key failed: %v", err)
	}

	sealed, err := NewChaChaPolyCodec(sender).Encrypt(topic, []byte("secret"), EnvelopeType0, nil)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := NewChaChaPolyCodec(receiver).Decrypt(topic, sealed)
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
	if plain != nil {
		t.Fatal("no plaintext may be returned on failure")
	}
}

func TestDecryptUnknownTopicFails(t *testing.T) {
	ks := NewInMemoryKeyStore()
	topic, _ := newSymTopic(t, ks)
	sealed, err := NewChaChaPolyCodec(ks).Encrypt(topic, []byte("secret"), EnvelopeType0, nil)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	_, err = NewChaChaPolyCodec(NewInMemoryKeyStore()).Decrypt(topic, sealed)
	if !errors.Is(err, ErrDecryption) || !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrDecryption wrapping ErrKeyNotFound, got %v", err)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	ks := NewInMemoryKeyStore()
	codec := NewChaChaPolyCodec(ks)
	topic, _ := newSymTopic(t, ks)
	sealed, err := codec.Encrypt(topic, []byte("secret payload"), EnvelopeType0, nil)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := codec.Decrypt(topic, sealed); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestType1RoundTripThroughKeyAgreement(t *testing.T) {
	requesterKeys := NewInMemoryKeyStore()
	responderKeys := NewInMemoryKeyStore()

	requester, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair failed: %v", err)
	}
	responder, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair failed: %v", err)
	}
	_ = requesterKeys.SetKeyPair(requester)
	_ = responderKeys.SetKeyPair(responder)

	responseTopic, err := HashKey(requester.PublicKeyHex())
	if err != nil {
		t.Fatalf("hash key failed: %v", err)
	}
	_ = requesterKeys.SetTopicPublicKey(responseTopic, requester.PublicKeyHex())

	sealed, err := NewChaChaPolyCodec(responderKeys).Encrypt(responseTopic, []byte("cacaos"), EnvelopeType1, &Participants{
		SenderPublicKey:   responder.PublicKeyHex(),
		ReceiverPublicKey: requester.PublicKeyHex(),
	})
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, env, err := NewChaChaPolyCodec(requesterKeys).DecryptEnvelope(responseTopic, sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "cacaos" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
	if !bytes.Equal(env.SenderPublicKey, responder.PublicKey) {
		t.Fatal("sender public key must be carried in the envelope")
	}

	a, _ := DeriveSymKey(requester.PrivateKey, responder.PublicKey)
	b, _ := DeriveSymKey(responder.PrivateKey, requester.PublicKey)
	if !bytes.Equal(a, b) {
		t.Fatal("both sides must agree on the sym key")
	}
}

func TestType1RequiresParticipants(t *testing.T) {
	codec := NewChaChaPolyCodec(NewInMemoryKeyStore())
	if _, err := codec.Encrypt("topic", []byte("x"), EnvelopeType1, nil); !errors.Is(err, ErrMissingParticipants) {
		t.Fatalf("expected ErrMissingParticipants, got %v", err)
	}
}

func TestType2RequiresOptIn(t *testing.T) {
	strict := NewChaChaPolyCodec(NewInMemoryKeyStore())
	sealed, err := strict.Encrypt("topic", []byte("hello"), EnvelopeType2, nil)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := strict.Decrypt("topic", sealed); !errors.Is(err, ErrUnsealedEnvelope) {
		t.Fatalf("expected ErrUnsealedEnvelope, got %v", err)
	}
	lenient := NewChaChaPolyCodec(NewInMemoryKeyStore(), WithUnsealedEnvelopes())
	plain, err := lenient.Decrypt("topic", sealed)
	if err != nil || string(plain) != "hello" {
		t.Fatalf("unexpected type 2 result: %q %v", plain, err)
	}
}

func TestParseEnvelopeRejectsTruncatedInput(t *testing.T) {
	cases := [][]byte{nil, {0}, {0, 1, 2}, {1, 1}, {9, 0, 0}}
	for _, data := range cases {
		if _, err := ParseEnvelope(data); err == nil {
			t.Fatalf("expected error for %v", data)
		}
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	raw := []byte{0, 1, 2, 250, 251, 252}
	decoded, err := DecodeMessage(EncodeMessage(raw))
	if err != nil || !bytes.Equal(decoded, raw) {
		t.Fatalf("unexpected decode: %v %v", decoded, err)
	}
	if _, err := DecodeMessage("%%%"); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}
