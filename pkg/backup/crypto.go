package backup

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/snapshot"
)

const (
	// SaltLength is the length of the per-backup salt in bytes.
	SaltLength = 32

	// HMACLength is the length of the trailing HMAC-SHA256.
	HMACLength = 32
)

// HKDF info strings for key derivation.
const (
	hkdfInfoEncryption = "lockbox-backup-encryption"
	hkdfInfoMAC        = "lockbox-backup-mac"
)

// newKDFParams returns fresh Argon2id parameters with a random salt.
func newKDFParams() (*KDFParams, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("backup: failed to generate salt: %w", err)
	}
	return &KDFParams{
		Salt:        salt,
		Memory:      crypto.Argon2Memory,
		Iterations:  crypto.Argon2Time,
		Parallelism: crypto.Argon2Threads,
	}, nil
}

// deriveKeys turns the root secret (passphrase or key file) into separate
// encryption and MAC keys. A nil params means the secret is already a key.
func deriveKeys(secret []byte, params *KDFParams) (encKey, macKey []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, ErrEmptyPassphrase
	}

	root := secret
	if params != nil {
		root = argon2.IDKey(secret, params.Salt, params.Iterations, params.Memory, params.Parallelism, crypto.KeyLength)
		defer crypto.SecureWipe(root)
	}

	if encKey, err = deriveHKDF(root, hkdfInfoEncryption); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to derive encryption key: %w", err)
	}
	if macKey, err = deriveHKDF(root, hkdfInfoMAC); err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("backup: failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

func deriveHKDF(secret []byte, info string) ([]byte, error) {
	key := make([]byte, crypto.KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// sealPayload encrypts plaintext and prepends the nonce.
func sealPayload(plaintext, key []byte) ([]byte, error) {
	ciphertext, nonce, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("backup: encryption failed: %w", err)
	}
	return append(nonce, ciphertext...), nil
}

// openPayload reverses sealPayload.
func openPayload(data, key []byte) ([]byte, error) {
	if len(data) < crypto.NonceLength {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := crypto.Decrypt(key, data[crypto.NonceLength:], data[:crypto.NonceLength])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func computeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// ReadKeyFile reads a 32-byte backup key.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read key file: %w", err)
	}
	if len(key) != crypto.KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile writes a new random 32-byte backup key with mode 0600.
func GenerateKeyFile(path string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	if err := snapshot.WriteFileAtomic(path, key, snapshot.FileMode); err != nil {
		return fmt.Errorf("backup: failed to write key file: %w", err)
	}
	return nil
}
