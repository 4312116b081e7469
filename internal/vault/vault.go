// Package vault stores broker credentials encrypted at rest.
//
// Credentials are keyed by (user, broker) and sealed with AES-256-GCM under
// a key derived from the master key (TRADER_VAULT_KEY). Plaintext exists
// only in memory, per Fetch, for the duration of a broker call; nothing here
// logs or persists decrypted material. The vault file itself is JSON and
// written with atomic replacement like the rest of the persistence layer.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"strategy-runner/pkg/types"
)

var (
	// ErrNoCredentials is returned when no entry exists for (user, broker).
	ErrNoCredentials = errors.New("vault: no credentials stored")
	// ErrBadMasterKey is returned when decryption fails; in practice this
	// means the master key changed since the entry was sealed.
	ErrBadMasterKey = errors.New("vault: decryption failed")
)

// CredentialVault hands out decrypted broker credentials.
type CredentialVault interface {
	Fetch(userID, broker string) (types.Credentials, error)
	Store(userID, broker string, creds types.Credentials) error
}

// FileVault is an AES-GCM encrypted credential file.
type FileVault struct {
	path string
	aead cipher.AEAD

	mu      sync.Mutex
	entries map[string]string // "user/broker" → base64(nonce ‖ ciphertext)
}

// Open loads (or initializes) the vault at path with the given master key.
func Open(path, masterKey string) (*FileVault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("vault: master key is empty")
	}
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	v := &FileVault{path: path, aead: aead, entries: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &v.entries); err != nil {
		return nil, fmt.Errorf("vault: parse %s: %w", path, err)
	}
	return v, nil
}

func entryKey(userID, broker string) string {
	return userID + "/" + broker
}

// Store seals creds under (user, broker) and persists the vault file.
func (v *FileVault) Store(userID, broker string, creds types.Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("vault: marshal credentials: %w", err)
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plain, nil)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[entryKey(userID, broker)] = base64.StdEncoding.EncodeToString(sealed)
	return v.flush()
}

// Fetch decrypts the credentials for (user, broker).
func (v *FileVault) Fetch(userID, broker string) (types.Credentials, error) {
	v.mu.Lock()
	enc, ok := v.entries[entryKey(userID, broker)]
	v.mu.Unlock()
	if !ok {
		return types.Credentials{}, fmt.Errorf("%w: %s/%s", ErrNoCredentials, userID, broker)
	}

	sealed, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("vault: corrupt entry %s/%s: %w", userID, broker, err)
	}
	if len(sealed) < v.aead.NonceSize() {
		return types.Credentials{}, fmt.Errorf("vault: corrupt entry %s/%s: short ciphertext", userID, broker)
	}
	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]

	plain, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("%w: %s/%s", ErrBadMasterKey, userID, broker)
	}

	var creds types.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return types.Credentials{}, fmt.Errorf("vault: corrupt entry %s/%s: %w", userID, broker, err)
	}
	return creds, nil
}

// flush writes the vault file atomically. Caller holds v.mu.
func (v *FileVault) flush() error {
	data, err := json.MarshalIndent(v.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("vault: write: %w", err)
	}
	return os.Rename(tmp, v.path)
}
