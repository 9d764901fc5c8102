package backup

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/keystore"
	"github.com/forest6511/lockbox/pkg/snapshot"
)

// AuditDirName is the audit trail directory inside a data directory.
const AuditDirName = "audit"

// Options selects the backup key. KeyFile wins over Passphrase.
type Options struct {
	Passphrase []byte
	KeyFile    string
}

// secret returns the root secret and whether it must go through Argon2id.
func (o Options) secret() (secret []byte, stretch bool, err error) {
	if o.KeyFile != "" {
		key, err := ReadKeyFile(o.KeyFile)
		return key, false, err
	}
	if len(o.Passphrase) == 0 {
		return nil, false, ErrEmptyPassphrase
	}
	return o.Passphrase, true, nil
}

// Write seals contents into w.
func Write(w io.Writer, header Header, contents *Contents, opts Options) error {
	secret, stretch, err := opts.secret()
	if err != nil {
		return err
	}
	if !stretch {
		defer crypto.SecureWipe(secret)
	}

	header.Version = FormatVersion
	header.IncludesAudit = len(contents.Audit) > 0
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	header.Compression = CompressionZstd
	header.EncryptionMode = EncryptionModeKeyFile
	header.KDFParams = nil
	if stretch {
		params, err := newKDFParams()
		if err != nil {
			return err
		}
		header.EncryptionMode = EncryptionModePassphrase
		header.KDFParams = params
	}

	encKey, macKey, err := deriveKeys(secret, header.KDFParams)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	payload, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("backup: failed to marshal payload: %w", err)
	}
	defer crypto.SecureWipe(payload)

	compressed, err := compress(payload)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(compressed)

	ciphertext, err := sealPayload(compressed, encKey)
	if err != nil {
		return err
	}

	// Buffer everything before the HMAC so it can be computed in one pass.
	var buf bytes.Buffer
	if err := writeHeader(&buf, &header); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext))); err != nil {
		return fmt.Errorf("backup: failed to write ciphertext length: %w", err)
	}
	buf.Write(ciphertext)

	mac := computeHMAC(buf.Bytes(), macKey)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("backup: failed to write backup: %w", err)
	}
	if _, err := w.Write(mac); err != nil {
		return fmt.Errorf("backup: failed to write HMAC: %w", err)
	}
	return nil
}

// Read verifies and decrypts a backup. The HMAC is checked before anything
// is decrypted.
func Read(data []byte, opts Options) (*Header, *Contents, error) {
	if len(data) < len(MagicNumber)+4+HMACLength {
		return nil, nil, ErrInvalidMagic
	}

	reader := bytes.NewReader(data)
	header, err := readHeader(reader)
	if err != nil {
		return nil, nil, err
	}

	var ciphertextLen uint32
	if err := binary.Read(reader, binary.BigEndian, &ciphertextLen); err != nil {
		return nil, nil, ErrTruncated
	}
	if uint64(reader.Len()) != uint64(ciphertextLen)+HMACLength {
		return nil, nil, ErrTruncated
	}
	macOffset := len(data) - HMACLength
	ciphertext := data[macOffset-int(ciphertextLen) : macOffset]

	secret, stretch, err := opts.secret()
	if err != nil {
		return nil, nil, err
	}
	if !stretch {
		defer crypto.SecureWipe(secret)
	}

	var params *KDFParams
	switch header.EncryptionMode {
	case EncryptionModePassphrase:
		if !stretch || header.KDFParams == nil {
			return nil, nil, fmt.Errorf("%w: backup was sealed with a passphrase", ErrIntegrityFailed)
		}
		params = header.KDFParams
	case EncryptionModeKeyFile:
		if stretch {
			return nil, nil, fmt.Errorf("%w: backup was sealed with a key file", ErrIntegrityFailed)
		}
	default:
		return nil, nil, fmt.Errorf("backup: unknown encryption mode %q", header.EncryptionMode)
	}

	encKey, macKey, err := deriveKeys(secret, params)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	if !hmac.Equal(computeHMAC(data[:macOffset], macKey), data[macOffset:]) {
		return nil, nil, ErrIntegrityFailed
	}

	decrypted, err := openPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(decrypted)

	plaintext, err := decompress(header.Compression, decrypted)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	var contents Contents
	if err := json.Unmarshal(plaintext, &contents); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(contents.Key) != crypto.KeyLength {
		return nil, nil, fmt.Errorf("%w: data key has %d bytes", ErrInvalidPayload, len(contents.Key))
	}
	return header, &contents, nil
}

// VerifyResult describes a backup that passed verification.
type VerifyResult struct {
	Valid         bool      `json:"valid"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	Backend       string    `json:"backend"`
	Records       int       `json:"records"`
	IncludesAudit bool      `json:"includes_audit"`
	Error         string    `json:"error,omitempty"`
}

// Verify checks a backup without restoring it. Verification failures are
// reported in the result, not as an error.
func Verify(data []byte, opts Options) *VerifyResult {
	header, _, err := Read(data, opts)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}
	}
	return &VerifyResult{
		Valid:         true,
		Version:       header.Version,
		CreatedAt:     header.CreatedAt,
		Backend:       header.Backend,
		Records:       header.Records,
		IncludesAudit: header.IncludesAudit,
	}
}

// Collect gathers key, documents and (optionally) the audit trail files
// of the data directory dir. Documents missing from backend are skipped.
func Collect(dir string, key []byte, backend snapshot.Backend, documents []string, includeAudit bool) (*Contents, error) {
	contents := &Contents{
		Key:       bytes.Clone(key),
		Documents: make(map[string][]byte, len(documents)),
	}
	for _, name := range documents {
		body, err := backend.Load(name)
		if errors.Is(err, snapshot.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("backup: failed to read %s: %w", name, err)
		}
		contents.Documents[name] = body
	}

	if !includeAudit {
		return contents, nil
	}
	auditDir := filepath.Join(dir, AuditDirName)
	entries, err := os.ReadDir(auditDir)
	if errors.Is(err, os.ErrNotExist) {
		return contents, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read audit directory: %w", err)
	}
	contents.Audit = make(map[string][]byte)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		body, err := os.ReadFile(filepath.Join(auditDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("backup: failed to read audit file: %w", err)
		}
		contents.Audit[e.Name()] = body
	}
	return contents, nil
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// Backend is the snapshot backend kind to restore into.
	Backend string
	// Force replaces an existing vault.
	Force bool
	// WithAudit restores the audit trail, if the backup has one.
	WithAudit bool
	// Documents names every document a vault keeps. Those absent from the
	// backup are reset to an empty object so nothing newer survives.
	Documents []string
	// Logger receives progress logs.
	Logger *logger.Logger
}

// RestoreResult reports what Restore wrote.
type RestoreResult struct {
	Documents     int    `json:"documents"`
	AuditRestored bool   `json:"audit_restored"`
	AuditMovedTo  string `json:"audit_moved_to,omitempty"`
}

// Restore writes contents into dir. The data key is written last, so an
// interrupted restore leaves no usable vault behind.
//
// An audit trail already in dir was signed with the old key; it is moved
// aside to audit.<timestamp> rather than mixed with the restored one.
func Restore(dir string, contents *Contents, opts RestoreOptions) (*RestoreResult, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.GetChildLogger("backup")

	keyPath := filepath.Join(dir, keystore.KeyFileName)
	if _, err := os.Stat(keyPath); err == nil && !opts.Force {
		return nil, fmt.Errorf("%w: %s", ErrVaultExists, dir)
	}
	if err := os.MkdirAll(dir, snapshot.DirMode); err != nil {
		return nil, fmt.Errorf("backup: failed to create %s: %w", dir, err)
	}

	result := &RestoreResult{}

	auditDir := filepath.Join(dir, AuditDirName)
	if _, err := os.Stat(auditDir); err == nil {
		moved := fmt.Sprintf("%s.%s", auditDir, time.Now().UTC().Format("20060102T150405Z"))
		if err := os.Rename(auditDir, moved); err != nil {
			return nil, fmt.Errorf("backup: failed to move existing audit trail: %w", err)
		}
		result.AuditMovedTo = moved
		log.Warn().Str("path", moved).Msg("existing audit trail moved aside")
	}

	backend, err := snapshot.Open(opts.Backend, dir, log)
	if err != nil {
		return nil, err
	}
	for name, body := range contents.Documents {
		if err := backend.Save(name, body); err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("backup: failed to restore %s: %w", name, err)
		}
		result.Documents++
	}
	for _, name := range opts.Documents {
		if _, ok := contents.Documents[name]; ok {
			continue
		}
		if err := backend.Save(name, []byte("{}")); err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("backup: failed to reset %s: %w", name, err)
		}
		log.Debug().Str("document", name).Msg("document not in backup, reset")
	}
	if err := backend.Close(); err != nil {
		return nil, err
	}

	if opts.WithAudit && len(contents.Audit) > 0 {
		if err := os.MkdirAll(auditDir, snapshot.DirMode); err != nil {
			return nil, fmt.Errorf("backup: failed to create audit directory: %w", err)
		}
		for name, body := range contents.Audit {
			if name != filepath.Base(name) || name == "." || name == ".." {
				return nil, fmt.Errorf("%w: audit file name %q", ErrInvalidPayload, name)
			}
			if err := snapshot.WriteFileAtomic(filepath.Join(auditDir, name), body, snapshot.FileMode); err != nil {
				return nil, fmt.Errorf("backup: failed to restore audit file: %w", err)
			}
		}
		result.AuditRestored = true
	}

	if err := snapshot.WriteFileAtomic(keyPath, contents.Key, snapshot.FileMode); err != nil {
		return nil, fmt.Errorf("backup: failed to restore data key: %w", err)
	}

	log.Info().Int("documents", result.Documents).Bool("audit", result.AuditRestored).Msg("vault restored")
	return result, nil
}
