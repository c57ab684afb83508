// Package passwords encrypts the Blue Iris password kept in the config file
// with a key persisted in the storage blob.
package passwords

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/storage"
)

// EncryptedPrefix marks a password produced by Encrypt.
const EncryptedPrefix = "enc:"

const keySize = 32

// ErrCorruptedKey is returned when the stored key cannot decrypt a value.
// Reset generates a fresh key; the password has to be encrypted again.
var ErrCorruptedKey = errors.New("encryption key is corrupted or does not match the password")

type Manager struct {
	store  *storage.Store
	logger *logrus.Logger

	mutex sync.Mutex
	key   []byte
}

func NewManager(store *storage.Store, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
	}
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

func (m *Manager) Encrypt(plain string) (string, error) {
	key, err := m.loadKey()
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt returns the clear text of value. Values without the encrypted
// prefix are returned unchanged with a warning.
func (m *Manager) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		if value != "" {
			m.logger.Warn("Blue Iris password is not encrypted, run with --encrypt-password and update the config file")
		}
		return value, nil
	}

	key, err := m.loadKey()
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptedKey, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(sealed) < gcm.NonceSize() {
		return "", ErrCorruptedKey
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptedKey, err)
	}

	return string(plain), nil
}

// Reset replaces the stored key with a freshly generated one.
func (m *Manager) Reset() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key, err := generateKey()
	if err != nil {
		return err
	}

	if err := m.saveKey(key); err != nil {
		return err
	}

	m.key = key
	m.logger.Warn("Encryption key was reset")
	return nil
}

func (m *Manager) loadKey() ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.key != nil {
		return m.key, nil
	}

	data, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	if data.Key != "" {
		key, err := base64.StdEncoding.DecodeString(data.Key)
		if err != nil || len(key) != keySize {
			return nil, ErrCorruptedKey
		}
		m.key = key
		return key, nil
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := m.saveKey(key); err != nil {
		return nil, err
	}

	m.logger.WithField("path", m.store.Path()).Info("Encryption key generated and stored")
	m.key = key
	return key, nil
}

func (m *Manager) saveKey(key []byte) error {
	encoded := base64.StdEncoding.EncodeToString(key)
	return m.store.Update(func(data *storage.Data) error {
		data.Key = encoded
		return nil
	})
}

func generateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
