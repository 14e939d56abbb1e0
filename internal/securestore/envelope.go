package securestore

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "WCENC1\n"
	kdfName         = "argon2id"
)

var (
	ErrAuthFailed  = errors.New("securestore authentication failed")
	ErrInvalid     = errors.New("securestore envelope is invalid")
	ErrLegacyData  = errors.New("securestore plaintext data")
	ErrEmptySecret = errors.New("securestore secret is empty")
)

type kdfParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

var defaultKDF = kdfParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

// Envelope is the at-rest form of every encrypted snapshot in the data dir.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func (e *Envelope) params() kdfParams {
	return kdfParams{Time: e.KDFTime, MemoryKB: e.KDFMemoryKB, Threads: e.KDFThreads}
}

// Sealer encrypts snapshots under one passphrase. The argon2id key is derived
// once per salt and reused, so rewriting a store on every mutation costs one
// AEAD pass instead of a KDF run. Nonces are random per seal.
type Sealer struct {
	mu         sync.Mutex
	passphrase string
	salt       []byte
	params     kdfParams
	key        []byte
}

func NewSealer(passphrase string) *Sealer {
	return &Sealer{passphrase: passphrase}
}

// Seal returns the prefixed file form of plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	env, err := s.SealEnvelope(plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func (s *Sealer) SealEnvelope(plaintext []byte) (*Envelope, error) {
	if strings.TrimSpace(s.passphrase) == "" {
		return nil, ErrEmptySecret
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		s.adoptLocked(salt, defaultKDF)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:     envelopeVersion,
		KDF:         kdfName,
		KDFTime:     s.params.Time,
		KDFMemoryKB: s.params.MemoryKB,
		KDFThreads:  s.params.Threads,
		Salt:        bytes.Clone(s.salt),
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(filePrefix)),
	}, nil
}

// Open reverses Seal. Data without the file prefix is ErrLegacyData.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	body, ok := bytes.CutPrefix(data, []byte(filePrefix))
	if !ok {
		return nil, ErrLegacyData
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ErrInvalid
	}
	return s.OpenEnvelope(&env)
}

func (s *Sealer) OpenEnvelope(env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfName {
		return nil, ErrInvalid
	}
	if env.KDFThreads == 0 || env.KDFTime == 0 || len(env.Salt) == 0 || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil || !bytes.Equal(s.salt, env.Salt) || s.params != env.params() {
		s.adoptLocked(env.Salt, env.params())
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(filePrefix))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// adoptLocked makes salt the one later seals reuse, so an opened store keeps
// its salt across rewrites.
func (s *Sealer) adoptLocked(salt []byte, p kdfParams) {
	zeroBytes(s.key)
	s.salt = bytes.Clone(salt)
	s.params = p
	s.key = argon2.IDKey([]byte(s.passphrase), s.salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

// Encrypt is a one-shot Seal with a fresh salt.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	return NewSealer(passphrase).Seal(plaintext)
}

func Decrypt(passphrase string, data []byte) ([]byte, error) {
	return NewSealer(passphrase).Open(data)
}

func EncryptEnvelope(passphrase string, plaintext []byte) (*Envelope, error) {
	return NewSealer(passphrase).SealEnvelope(plaintext)
}

func DecryptEnvelope(passphrase string, env *Envelope) ([]byte, error) {
	return NewSealer(passphrase).OpenEnvelope(env)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
