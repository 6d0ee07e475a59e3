package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	kekSalt = "tenancy-service/kek"
	kekInfo = "wrap data keys v1"
)

// Manager seals values under the active data key and opens them under
// whichever key sealed them. Data keys are stored wrapped by a key-encryption
// key derived from the master secret; unwrapped keys only live in memguard
// enclaves.
type Manager struct {
	store  KeyStore
	kek    *memguard.Enclave
	deks   *lru.Cache[string, *memguard.Enclave]
	group  singleflight.Group
	logger *zap.Logger
}

// NewManager derives the key-encryption key and returns a Manager.
func NewManager(store KeyStore, masterSecret string, cacheSize int, logger *zap.Logger) (*Manager, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = 64
	}

	kek := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterSecret), []byte(kekSalt), []byte(kekInfo)), kek); err != nil {
		return nil, fmt.Errorf("derive key-encryption key: %w", err)
	}
	deks, err := lru.New[string, *memguard.Enclave](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &Manager{
		store:  store,
		kek:    memguard.NewEnclave(kek), // wipes kek
		deks:   deks,
		logger: logger,
	}, nil
}

// Encrypt seals plaintext under the current active key with a fresh random nonce.
func (m *Manager) Encrypt(ctx context.Context, plaintext []byte) (Envelope, error) {
	key, err := m.store.Active(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	err = m.withDataKey(ctx, key.ID, &key, func(aead cipher.AEAD) error {
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		sealed := aead.Seal(nil, nonce, plaintext, []byte(key.ID))
		split := len(sealed) - tagSize
		env = Envelope{
			KeyID:      key.ID,
			Nonce:      nonce,
			Ciphertext: sealed[:split],
			Tag:        sealed[split:],
		}
		return nil
	})
	return env, err
}

// Decrypt opens env under the exact key named by env.KeyID, active or retired.
func (m *Manager) Decrypt(ctx context.Context, env Envelope) ([]byte, error) {
	if len(env.Nonce) != nonceSize || len(env.Tag) != tagSize {
		return nil, fmt.Errorf("%w: bad envelope layout", ErrDecryptionFailure)
	}
	var plaintext []byte
	err := m.withDataKey(ctx, env.KeyID, nil, func(aead cipher.AEAD) error {
		sealed := make([]byte, 0, len(env.Ciphertext)+tagSize)
		sealed = append(append(sealed, env.Ciphertext...), env.Tag...)
		out, err := aead.Open(nil, env.Nonce, sealed, []byte(env.KeyID))
		if err != nil {
			m.logger.Warn("ciphertext failed authentication", zap.String("key_id", env.KeyID))
			return fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
		}
		plaintext = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// EncryptString seals s and returns the encoded envelope.
func (m *Manager) EncryptString(ctx context.Context, s string) (string, error) {
	env, err := m.Encrypt(ctx, []byte(s))
	if err != nil {
		return "", err
	}
	return env.String(), nil
}

// DecryptString opens an envelope produced by EncryptString.
func (m *Manager) DecryptString(ctx context.Context, encoded string) (string, error) {
	env, err := ParseEnvelope(encoded)
	if err != nil {
		return "", err
	}
	out, err := m.Decrypt(ctx, env)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// IsCurrent reports whether encoded was sealed under the active key. Callers
// use it to re-encrypt lazily when they next write the owning record.
func (m *Manager) IsCurrent(ctx context.Context, encoded string) (bool, error) {
	env, err := ParseEnvelope(encoded)
	if err != nil {
		return false, err
	}
	active, err := m.store.Active(ctx)
	if err != nil {
		return false, err
	}
	return env.KeyID == active.ID, nil
}

// Rotate installs a new active key and retires the previous one. Ciphertext
// sealed under retired keys stays readable; nothing is re-encrypted here.
func (m *Manager) Rotate(ctx context.Context) (Key, error) {
	key, err := m.store.Rotate(ctx, m.mint)
	if err != nil {
		return Key{}, err
	}
	m.logger.Info("encryption key rotated", zap.String("key_id", key.ID), zap.Int("version", key.Version))
	return key, nil
}

// EnsureActiveKey generates the first key when the store holds none.
func (m *Manager) EnsureActiveKey(ctx context.Context) (Key, error) {
	key, err := m.store.Active(ctx)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNoActiveKey) {
		return Key{}, err
	}
	key, err = m.store.Bootstrap(ctx, m.mint)
	if err != nil {
		return Key{}, err
	}
	m.logger.Info("encryption key bootstrapped", zap.String("key_id", key.ID), zap.Int("version", key.Version))
	return key, nil
}

// Keys lists key metadata. Wrapped material is never serialised.
func (m *Manager) Keys(ctx context.Context) ([]Key, error) {
	return m.store.List(ctx)
}

// Close drops cached data keys.
func (m *Manager) Close() {
	m.deks.Purge()
}

// mint generates and wraps a new data key.
func (m *Manager) mint(version int) (Key, error) {
	id := uuid.NewString()
	dek := memguard.NewBufferRandom(keySize)
	defer dek.Destroy()

	wrapped, err := m.wrap(id, dek.Bytes())
	if err != nil {
		return Key{}, err
	}
	return Key{ID: id, Version: version, Wrapped: wrapped, Algorithm: Algorithm, Status: KeyActive}, nil
}

// wrap seals a data key under the key-encryption key: nonce || ciphertext || tag.
func (m *Manager) wrap(keyID string, dek []byte) ([]byte, error) {
	aead, buf, err := openAEAD(m.kek)
	if err != nil {
		return nil, fmt.Errorf("open key-encryption key: %w", err)
	}
	defer buf.Destroy()

	nonce := make([]byte, nonceSize, nonceSize+len(dek)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, dek, []byte(keyID)), nil
}

func (m *Manager) unwrap(key Key) (*memguard.Enclave, error) {
	if len(key.Wrapped) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: wrapped key %s truncated", ErrDecryptionFailure, key.ID)
	}
	aead, buf, err := openAEAD(m.kek)
	if err != nil {
		return nil, fmt.Errorf("open key-encryption key: %w", err)
	}
	defer buf.Destroy()

	dek, err := aead.Open(nil, key.Wrapped[:nonceSize], key.Wrapped[nonceSize:], []byte(key.ID))
	if err != nil {
		m.logger.Error("wrapped key failed authentication; wrong master secret?", zap.String("key_id", key.ID))
		return nil, fmt.Errorf("%w: unwrap key %s", ErrDecryptionFailure, key.ID)
	}
	return memguard.NewEnclave(dek), nil
}

// withDataKey runs fn with an AEAD for keyID. known short-circuits the store
// lookup when the caller already holds the key row.
func (m *Manager) withDataKey(ctx context.Context, keyID string, known *Key, fn func(cipher.AEAD) error) error {
	enclave, ok := m.deks.Get(keyID)
	if !ok {
		v, err, _ := m.group.Do(keyID, func() (any, error) {
			if cached, ok := m.deks.Get(keyID); ok {
				return cached, nil
			}
			key := known
			if key == nil {
				fetched, err := m.store.Get(ctx, keyID)
				if err != nil {
					if errors.Is(err, ErrUnknownKeyVersion) {
						m.logger.Warn("ciphertext references unknown key", zap.String("key_id", keyID))
					}
					return nil, err
				}
				key = &fetched
			}
			unwrapped, err := m.unwrap(*key)
			if err != nil {
				return nil, err
			}
			m.deks.Add(keyID, unwrapped)
			return unwrapped, nil
		})
		if err != nil {
			return err
		}
		enclave = v.(*memguard.Enclave)
	}

	aead, buf, err := openAEAD(enclave)
	if err != nil {
		return fmt.Errorf("open data key %s: %w", keyID, err)
	}
	defer buf.Destroy()
	return fn(aead)
}

func openAEAD(enclave *memguard.Enclave) (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := enclave.Open()
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	return aead, buf, nil
}
