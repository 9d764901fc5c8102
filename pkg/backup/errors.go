// Package backup writes and restores encrypted copies of a lockbox data
// directory.
//
// A backup holds the data key, the record and attempt documents and,
// optionally, the audit trail. The payload is compressed with zstd, sealed
// with AES-256-GCM under a key derived from a passphrase (Argon2id) or read
// from a 32-byte key file, and authenticated as a whole with HMAC-SHA256:
//
//	magic "LKBX_BKP" | header length (uint32 BE) | header JSON |
//	ciphertext length (uint32 BE) | nonce+ciphertext | HMAC
//
// The HMAC covers everything before it, so the header cannot be altered
// without detection.
package backup

import "errors"

var (
	// ErrInvalidMagic indicates the input is not a lockbox backup.
	ErrInvalidMagic = errors.New("backup: invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates a newer backup format.
	ErrUnsupportedVersion = errors.New("backup: unsupported backup format version")

	// ErrIntegrityFailed indicates the HMAC did not verify: wrong passphrase,
	// wrong key file or a modified file.
	ErrIntegrityFailed = errors.New("backup: integrity check failed")

	// ErrDecryptionFailed indicates the payload did not decrypt.
	ErrDecryptionFailed = errors.New("backup: decryption failed")

	// ErrTruncated indicates the file ends early.
	ErrTruncated = errors.New("backup: backup file truncated")

	// ErrVaultExists indicates the restore target already has a data key.
	ErrVaultExists = errors.New("backup: a vault already exists at the target")

	// ErrInvalidKeyFile indicates a key file that is not exactly 32 bytes.
	ErrInvalidKeyFile = errors.New("backup: invalid key file, must be exactly 32 bytes")

	// ErrEmptyPassphrase indicates neither a passphrase nor a key file was given.
	ErrEmptyPassphrase = errors.New("backup: passphrase cannot be empty")

	// ErrInvalidPayload indicates a payload that decrypted but is unusable.
	ErrInvalidPayload = errors.New("backup: invalid payload")
)
