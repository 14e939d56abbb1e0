package crypto

import (
	"encoding/hex"
	"errors"
	"sync"

	"wcsign/go-backend/internal/securestore"
)

var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrKeyPairNotFound = errors.New("key pair not found")
)

// KeyStore owns every piece of key material. Nothing else persists keys.
type KeyStore interface {
	SetSymKey(topic string, key SymKey) error
	GetSymKey(topic string) (SymKey, error)
	SetKeyPair(kp KeyPair) error
	GetKeyPair(publicKeyHex string) (KeyPair, error)
	DeleteKeyPair(publicKeyHex string) error
	// SetTopicPublicKey binds the receiver public key used to open type 1 envelopes on topic.
	SetTopicPublicKey(topic, publicKeyHex string) error
	GetTopicPublicKey(topic string) (string, error)
	// DeleteTopic removes the sym key and any public key binding of topic.
	DeleteTopic(topic string) error
}

type keyStoreState struct {
	SymKeys      map[string]string  `json:"sym_keys"`
	KeyPairs     map[string]KeyPair `json:"key_pairs"`
	TopicPubKeys map[string]string  `json:"topic_pub_keys"`
}

func newKeyStoreState() keyStoreState {
	return keyStoreState{
		SymKeys:      make(map[string]string),
		KeyPairs:     make(map[string]KeyPair),
		TopicPubKeys: make(map[string]string),
	}
}

type InMemoryKeyStore struct {
	mu    sync.RWMutex
	state keyStoreState
}

func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{state: newKeyStoreState()}
}

func (s *InMemoryKeyStore) SetSymKey(topic string, key SymKey) error {
	if len(key) != KeySize {
		return ErrInvalidSymKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SymKeys[topic] = key.Hex()
	return nil
}

func (s *InMemoryKeyStore) GetSymKey(topic string) (SymKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.symKey(topic)
}

func (s *InMemoryKeyStore) SetKeyPair(kp KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.KeyPairs[kp.PublicKeyHex()] = cloneKeyPair(kp)
	return nil
}

func (s *InMemoryKeyStore) GetKeyPair(publicKeyHex string) (KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.state.KeyPairs[publicKeyHex]
	if !ok {
		return KeyPair{}, ErrKeyPairNotFound
	}
	return cloneKeyPair(kp), nil
}

func (s *InMemoryKeyStore) DeleteKeyPair(publicKeyHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.KeyPairs, publicKeyHex)
	return nil
}

func (s *InMemoryKeyStore) SetTopicPublicKey(topic, publicKeyHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.TopicPubKeys[topic] = publicKeyHex
	return nil
}

func (s *InMemoryKeyStore) GetTopicPublicKey(topic string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.state.TopicPubKeys[topic]
	if !ok {
		return "", ErrKeyNotFound
	}
	return pub, nil
}

func (s *InMemoryKeyStore) DeleteTopic(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.deleteTopic(topic)
	return nil
}

// FileKeyStore keeps the key material in one securestore-encrypted JSON snapshot.
// The snapshot is read once and rewritten on every mutation.
type FileKeyStore struct {
	mu     sync.Mutex
	path   string
	sealer *securestore.Sealer
	loaded bool
	state  keyStoreState
}

func NewEncryptedFileKeyStore(path, passphrase string) *FileKeyStore {
	return &FileKeyStore{path: path, sealer: securestore.NewSealer(passphrase)}
}

func (s *FileKeyStore) SetSymKey(topic string, key SymKey) error {
	if len(key) != KeySize {
		return ErrInvalidSymKey
	}
	return s.update(func(st *keyStoreState) {
		st.SymKeys[topic] = key.Hex()
	})
}

func (s *FileKeyStore) GetSymKey(topic string) (SymKey, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	return st.symKey(topic)
}

func (s *FileKeyStore) SetKeyPair(kp KeyPair) error {
	return s.update(func(st *keyStoreState) {
		st.KeyPairs[kp.PublicKeyHex()] = cloneKeyPair(kp)
	})
}

func (s *FileKeyStore) GetKeyPair(publicKeyHex string) (KeyPair, error) {
	st, err := s.read()
	if err != nil {
		return KeyPair{}, err
	}
	kp, ok := st.KeyPairs[publicKeyHex]
	if !ok {
		return KeyPair{}, ErrKeyPairNotFound
	}
	return cloneKeyPair(kp), nil
}

func (s *FileKeyStore) DeleteKeyPair(publicKeyHex string) error {
	return s.update(func(st *keyStoreState) {
		delete(st.KeyPairs, publicKeyHex)
	})
}

func (s *FileKeyStore) SetTopicPublicKey(topic, publicKeyHex string) error {
	return s.update(func(st *keyStoreState) {
		st.TopicPubKeys[topic] = publicKeyHex
	})
}

func (s *FileKeyStore) GetTopicPublicKey(topic string) (string, error) {
	st, err := s.read()
	if err != nil {
		return "", err
	}
	pub, ok := st.TopicPubKeys[topic]
	if !ok {
		return "", ErrKeyNotFound
	}
	return pub, nil
}

func (s *FileKeyStore) DeleteTopic(topic string) error {
	return s.update(func(st *keyStoreState) {
		st.deleteTopic(topic)
	})
}

func (s *FileKeyStore) read() (keyStoreState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileKeyStore) update(fn func(*keyStoreState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	next := current.clone()
	fn(&next)
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *FileKeyStore) loadLocked() (keyStoreState, error) {
	if s.loaded {
		return s.state, nil
	}
	st := newKeyStoreState()
	if _, err := s.sealer.ReadJSON(s.path, &st); err != nil {
		return newKeyStoreState(), err
	}
	if st.SymKeys == nil {
		st.SymKeys = make(map[string]string)
	}
	if st.KeyPairs == nil {
		st.KeyPairs = make(map[string]KeyPair)
	}
	if st.TopicPubKeys == nil {
		st.TopicPubKeys = make(map[string]string)
	}
	s.state = st
	s.loaded = true
	return st, nil
}

func (s *FileKeyStore) writeLocked(st keyStoreState) error {
	return s.sealer.WriteJSON(s.path, st)
}

func (st keyStoreState) symKey(topic string) (SymKey, error) {
	raw, ok := st.SymKeys[topic]
	if !ok {
		return nil, ErrKeyNotFound
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, ErrInvalidSymKey
	}
	return key, nil
}

func (st keyStoreState) clone() keyStoreState {
	out := newKeyStoreState()
	for k, v := range st.SymKeys {
		out.SymKeys[k] = v
	}
	for k, v := range st.KeyPairs {
		out.KeyPairs[k] = cloneKeyPair(v)
	}
	for k, v := range st.TopicPubKeys {
		out.TopicPubKeys[k] = v
	}
	return out
}

func (st keyStoreState) deleteTopic(topic string) {
	delete(st.SymKeys, topic)
	delete(st.TopicPubKeys, topic)
}

func cloneKeyPair(kp KeyPair) KeyPair {
	return KeyPair{
		PublicKey:  append([]byte(nil), kp.PublicKey...),
		PrivateKey: append([]byte(nil), kp.PrivateKey...),
	}
}
