package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"

	"wcsign/go-backend/internal/didjwt"
	"wcsign/go-backend/internal/securestore"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrSeedNotAvailable = errors.New("seed is not available")
	ErrPasswordRequired = errors.New("password is required")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrIdentityInit     = errors.New("identity initialization failed")
	ErrPasswordLocked   = errors.New("password attempts are temporarily locked")
	ErrLocked           = errors.New("identity is locked")
)

// Manager owns the client seed. The mnemonic only exists in memory inside a
// passphrase envelope; path, when set, receives the same secret at rest.
type Manager struct {
	mu             sync.RWMutex
	path           string
	envelope       *securestore.Envelope
	keys           *DerivedKeys
	identity       Identity
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewManager(path string) *Manager {
	return &Manager{path: strings.TrimSpace(path), now: time.Now}
}

func newManagerWithClock(path string, now func() time.Time) *Manager {
	return &Manager{path: path, now: now}
}

// LoadOrCreate unlocks the stored seed, creating one when none exists yet.
func (m *Manager) LoadOrCreate(password string) (Identity, bool, error) {
	id, err := m.Unlock(password)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrSeedNotAvailable) {
		return Identity{}, false, err
	}
	id, _, err = m.Create(password)
	return id, err == nil, err
}

func (m *Manager) Create(password string) (Identity, string, error) {
	if strings.TrimSpace(password) == "" {
		return Identity{}, "", ErrPasswordRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return Identity{}, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Identity{}, "", err
	}
	id, err := m.Import(mnemonic, password)
	return id, mnemonic, err
}

func (m *Manager) Import(mnemonic, password string) (Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return Identity{}, ErrMnemonicRequired
	}
	if strings.TrimSpace(password) == "" {
		return Identity{}, ErrPasswordRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return Identity{}, ErrInvalidMnemonic
	}
	rec := seedRecord{Version: seedRecordVersion, Mnemonic: mnemonic, CreatedAt: m.now().UTC()}
	if m.path != "" {
		if err := securestore.WriteEncryptedJSON(m.path, password, rec); err != nil {
			return Identity{}, fmt.Errorf("persist seed: %w", err)
		}
	}
	return m.install(rec, password)
}

// Unlock opens the seed file with password.
func (m *Manager) Unlock(password string) (Identity, error) {
	if strings.TrimSpace(password) == "" {
		return Identity{}, ErrPasswordRequired
	}
	if err := m.checkLockout(); err != nil {
		return Identity{}, err
	}
	if m.path == "" {
		return Identity{}, ErrSeedNotAvailable
	}
	var rec seedRecord
	ok, err := securestore.ReadEncryptedJSON(m.path, password, &rec)
	if errors.Is(err, securestore.ErrAuthFailed) {
		m.failedPassword()
		return Identity{}, ErrInvalidPassword
	}
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		return Identity{}, ErrSeedNotAvailable
	}
	if !bip39.IsMnemonicValid(rec.Mnemonic) {
		return Identity{}, fmt.Errorf("%w: corrupted mnemonic", ErrInvalidMnemonic)
	}
	m.resetPasswordAttempts()
	return m.install(rec, password)
}

func (m *Manager) Export(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}
	if err := m.checkLockout(); err != nil {
		return "", err
	}
	m.mu.RLock()
	env := m.envelope
	m.mu.RUnlock()
	if env == nil {
		return "", ErrSeedNotAvailable
	}
	plaintext, err := securestore.DecryptEnvelope(password, env)
	if err != nil {
		m.failedPassword()
		return "", ErrInvalidPassword
	}
	m.resetPasswordAttempts()
	mnemonic := strings.TrimSpace(string(plaintext))
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("%w: corrupted mnemonic", ErrInvalidMnemonic)
	}
	return mnemonic, nil
}

func (m *Manager) ChangePassword(oldPassword, newPassword string) error {
	oldPassword = strings.TrimSpace(oldPassword)
	newPassword = strings.TrimSpace(newPassword)
	if oldPassword == "" || newPassword == "" {
		return ErrPasswordRequired
	}
	mnemonic, err := m.Export(oldPassword)
	if err != nil {
		return err
	}
	m.mu.RLock()
	created := m.identity.CreatedAt
	m.mu.RUnlock()
	rec := seedRecord{Version: seedRecordVersion, Mnemonic: mnemonic, CreatedAt: created}
	if m.path != "" {
		if err := securestore.WriteEncryptedJSON(m.path, newPassword, rec); err != nil {
			return fmt.Errorf("persist seed: %w", err)
		}
	}
	_, err = m.install(rec, newPassword)
	return err
}

func (m *Manager) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

func (m *Manager) Identity() (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keys == nil {
		return Identity{}, ErrLocked
	}
	return m.identity, nil
}

func (m *Manager) Keys() (*DerivedKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keys == nil {
		return nil, ErrLocked
	}
	return m.keys, nil
}

// RelayAuthToken signs the JWT the relay expects on connect.
func (m *Manager) RelayAuthToken(relayURL string, ttl time.Duration) (string, error) {
	keys, err := m.Keys()
	if err != nil {
		return "", err
	}
	return didjwt.SignRelayAuth(keys.AuthPrivateKey, relayURL, ttl, m.now())
}

func (m *Manager) install(rec seedRecord, password string) (Identity, error) {
	keys, err := DeriveKeys(bip39.NewSeed(rec.Mnemonic, ""))
	if err != nil {
		return Identity{}, err
	}
	id, err := FromKeys(keys)
	if err != nil {
		return Identity{}, err
	}
	id.CreatedAt = rec.CreatedAt
	env, err := securestore.EncryptEnvelope(password, []byte(rec.Mnemonic))
	if err != nil {
		return Identity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelope = env
	m.keys = keys
	m.identity = id
	return id, nil
}

func (m *Manager) checkLockout() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lockedUntil.IsZero() || !m.now().Before(m.lockedUntil) {
		return nil
	}
	return ErrPasswordLocked
}

func (m *Manager) failedPassword() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedAttempts++
	m.lockedUntil = m.now().Add(failedAttemptBackoff(m.failedAttempts))
}

func (m *Manager) resetPasswordAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedAttempts = 0
	m.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
