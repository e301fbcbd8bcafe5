package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Keyring holds the process-wide credential encryption key. It is initialized
// exactly once at startup; reads after that take the unsynchronized fast path
// through the package-level pointer set by Init.
type Keyring struct {
	aead cipher.AEAD
}

var (
	keyringOnce sync.Once
	keyring     *Keyring
	keyringErr  error
)

// Init parses the hex-encoded 256-bit key and installs the process keyring.
// Subsequent calls return the first result.
func Init(keyHex string) (*Keyring, error) {
	keyringOnce.Do(func() {
		keyring, keyringErr = newKeyring(keyHex)
	})
	return keyring, keyringErr
}

func newKeyring(keyHex string) (*Keyring, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("credential key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Keyring{aead: aead}, nil
}

// Decrypt opens a nonce-prefixed AES-GCM ciphertext. Authentication failure
// (tampered or wrong-key ciphertext) returns an error; there is no partial
// plaintext on failure.
func (k *Keyring) Decrypt(ciphertext []byte) (string, error) {
	ns := k.aead.NonceSize()
	if len(ciphertext) < ns {
		return "", fmt.Errorf("ciphertext shorter than nonce (%d bytes)", len(ciphertext))
	}
	plain, err := k.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("credential decryption failed: %w", err)
	}
	return string(plain), nil
}

// Encrypt seals a secret with a random nonce prefix. Used by inventory
// tooling and tests; the monitoring path only decrypts.
func (k *Keyring) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return k.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}
