// Package crypto provides cryptographic primitives for lockbox.
//
// This package implements AES-256-GCM authenticated encryption, the
// self-describing ciphertext tokens used as record identifiers, passkey
// hashing and Argon2id hashing of the administrative master credential.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption
//   - Versioned, timestamped tokens whose header is bound as additional data
//   - Argon2id credential hashing (64MB memory, 3 iterations, 4 threads)
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	key, err := crypto.GenerateKey()
//
//	// Seal a plaintext into an identifier token
//	token, err := crypto.SealToken(key, []byte("secret note"))
//
//	// Open it again
//	plaintext, err := crypto.OpenToken(key, token)
//
//	// Securely wipe sensitive data
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of credential salts in bytes.
	SaltLength = 16
)

// Token layout constants.
const (
	// TokenVersion is the leading byte of every token.
	TokenVersion byte = 0x80

	// tokenHeaderLength is version (1) + issued-at (8).
	tokenHeaderLength = 1 + 8

	// gcmTagLength is the size of the GCM authentication tag.
	gcmTagLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidToken indicates a token is malformed, of an unknown version or
	// fails authentication.
	ErrInvalidToken = errors.New("crypto: invalid token")

	// ErrInvalidCredential indicates an encoded credential hash cannot be parsed.
	ErrInvalidCredential = errors.New("crypto: invalid credential encoding")
)

// GenerateKey returns a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

// newGCM builds an AES-256-GCM AEAD for key.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// The function generates a cryptographically secure random 12-byte nonce
// using crypto/rand. The authentication tag is appended to the ciphertext.
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)

	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM authenticated encryption.
//
// If the tag verification fails (indicating tampering or corruption),
// ErrDecryptionFailed is returned.
func Decrypt(key, ciphertext, nonce []byte) (plaintext []byte, err error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// SealToken encrypts plaintext into a self-describing, URL-safe token:
//
//	base64url( version | issued-at (uint64 BE) | nonce | ciphertext+tag )
//
// The version byte and issued-at timestamp are authenticated as GCM
// additional data, so any modification of the header invalidates the token.
// Two seals of the same plaintext never produce the same token.
func SealToken(key, plaintext []byte) (string, error) {
	return sealTokenAt(key, plaintext, time.Now())
}

func sealTokenAt(key, plaintext []byte, issuedAt time.Time) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	header := make([]byte, tokenHeaderLength)
	header[0] = TokenVersion
	binary.BigEndian.PutUint64(header[1:], uint64(issuedAt.Unix()))

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, tokenHeaderLength+NonceLength+len(plaintext)+gcm.Overhead())
	blob = append(blob, header...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, header)

	return base64.URLEncoding.EncodeToString(blob), nil
}

// OpenToken verifies and decrypts a token produced by SealToken.
// Every failure, including a wrong key, is reported as ErrInvalidToken
// (or ErrInvalidKeyLength for a malformed key).
func OpenToken(key []byte, token string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	blob, err := base64.URLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalidToken)
	}
	if len(blob) < tokenHeaderLength+NonceLength+gcmTagLength {
		return nil, fmt.Errorf("%w: too short", ErrInvalidToken)
	}
	if blob[0] != TokenVersion {
		return nil, fmt.Errorf("%w: unknown version 0x%02x", ErrInvalidToken, blob[0])
	}

	header := blob[:tokenHeaderLength]
	nonce := blob[tokenHeaderLength : tokenHeaderLength+NonceLength]
	ciphertext := blob[tokenHeaderLength+NonceLength:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalidToken)
	}
	return plaintext, nil
}

// TokenIssuedAt returns the issue time embedded in a token without
// verifying it. It is for display only.
func TokenIssuedAt(token string) (time.Time, error) {
	blob, err := base64.URLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil || len(blob) < tokenHeaderLength || blob[0] != TokenVersion {
		return time.Time{}, ErrInvalidToken
	}
	return time.Unix(int64(binary.BigEndian.Uint64(blob[1:tokenHeaderLength])), 0), nil
}

// HashPasskey returns the hex-encoded SHA-256 of the NFC-normalized passkey.
// Composed and decomposed spellings of the same text hash identically.
func HashPasskey(passkey string) string {
	h := sha256.Sum256([]byte(norm.NFC.String(passkey)))
	return hex.EncodeToString(h[:])
}

// EqualHashes compares two hex hashes in constant time.
func EqualHashes(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashCredential hashes an administrative secret with Argon2id and returns
// it in the PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt b64>$<hash b64>
func HashCredential(secret string) (string, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, Argon2Memory, Argon2Time, Argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Bounds accepted when decoding a stored credential.
const (
	maxCredentialMemory  = 4 * 1024 * 1024 // KiB (4GiB)
	maxCredentialTime    = 64
	maxCredentialHashLen = 1024
)

type credential struct {
	memory     uint32
	iterations uint32
	threads    uint8
	salt       []byte
	hash       []byte
}

func parseCredential(encoded string) (*credential, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, ErrInvalidCredential
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version", ErrInvalidCredential)
	}

	c := &credential{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &c.memory, &c.iterations, &c.threads); err != nil {
		return nil, fmt.Errorf("%w: bad parameters", ErrInvalidCredential)
	}
	if c.iterations < 1 || c.iterations > maxCredentialTime {
		return nil, fmt.Errorf("%w: iterations out of range", ErrInvalidCredential)
	}
	if c.threads < 1 {
		return nil, fmt.Errorf("%w: parallelism out of range", ErrInvalidCredential)
	}
	if c.memory < 8*uint32(c.threads) || c.memory > maxCredentialMemory {
		return nil, fmt.Errorf("%w: memory out of range", ErrInvalidCredential)
	}

	var err error
	if c.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(c.salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt", ErrInvalidCredential)
	}
	c.hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(c.hash) == 0 || len(c.hash) > maxCredentialHashLen {
		return nil, fmt.Errorf("%w: bad hash", ErrInvalidCredential)
	}
	return c, nil
}

// ValidateCredential reports whether encoded is a usable Argon2id hash,
// without hashing anything.
func ValidateCredential(encoded string) error {
	_, err := parseCredential(encoded)
	return err
}

// VerifyCredential reports whether secret matches an encoded Argon2id hash.
// The parameters stored in the encoding are honoured within sane bounds.
func VerifyCredential(encoded, secret string) (bool, error) {
	c, err := parseCredential(encoded)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(secret), c.salt, c.iterations, c.memory, c.threads, uint32(len(c.hash)))
	defer SecureWipe(got)
	return subtle.ConstantTimeCompare(got, c.hash) == 1, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
