// Package vault encrypts per-integration secrets at rest. The contract is
// deliberately small: Encrypt/Decrypt round-trip and raw secrets never leave
// this package unredacted. Swapping the key source for a KMS is the
// production follow-up; the Vault type is the seam.
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
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrCiphertextTooShort indicates truncated or corrupted stored data.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	// ErrEmptyMasterSecret indicates the vault was constructed without key material.
	ErrEmptyMasterSecret = errors.New("master secret must not be empty")
)

const keyInfo = "fusion/credential-vault/v1"

// Vault performs AES-256-GCM encryption with a key derived from the
// configured master secret via HKDF-SHA256.
type Vault struct {
	key []byte
}

// New derives the encryption key from masterSecret.
func New(masterSecret []byte) (*Vault, error) {
	if len(masterSecret) == 0 {
		return nil, ErrEmptyMasterSecret
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext with AES-256-GCM. Empty input stays empty.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", ErrCiphertextTooShort
	}

	nonce, cipherBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, cipherBytes, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptCredentials seals a credential map as a single opaque blob.
func (v *Vault) EncryptCredentials(creds map[string]string) (string, error) {
	if len(creds) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return v.Encrypt(string(raw))
}

// DecryptCredentials opens a blob produced by EncryptCredentials.
func (v *Vault) DecryptCredentials(blob string) (map[string]string, error) {
	if blob == "" {
		return nil, nil
	}
	raw, err := v.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	var creds map[string]string
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}
