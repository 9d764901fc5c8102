package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// MagicNumber opens every backup file.
var MagicNumber = [8]byte{'L', 'K', 'B', 'X', '_', 'B', 'K', 'P'}

// FormatVersion is the current backup format version.
const FormatVersion = 1

// maxHeaderLength bounds the header read from untrusted input.
const maxHeaderLength = 64 * 1024

// EncryptionMode specifies how the backup key was obtained.
type EncryptionMode string

const (
	// EncryptionModePassphrase derives the key from a passphrase.
	EncryptionModePassphrase EncryptionMode = "passphrase"
	// EncryptionModeKeyFile reads the key from a file.
	EncryptionModeKeyFile EncryptionMode = "key"
)

// KDFParams are the Argon2id parameters used for a passphrase backup.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// Header is stored in clear in front of the payload.
type Header struct {
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	EncryptionMode EncryptionMode `json:"encryption_mode"`
	KDFParams      *KDFParams     `json:"kdf_params,omitempty"`
	Backend        string         `json:"backend"`
	Records        int            `json:"records"`
	IncludesAudit  bool           `json:"includes_audit"`
	Compression    string         `json:"compression,omitempty"`
}

// CompressionZstd marks a payload compressed with zstd before encryption.
const CompressionZstd = "zstd"

// maxPayloadLength bounds the decompressed payload.
const maxPayloadLength = 256 << 20

// Contents is the encrypted payload: everything needed to rebuild a data
// directory.
type Contents struct {
	// Key is the raw data key.
	Key []byte `json:"key"`
	// Documents maps snapshot document names to their bodies.
	Documents map[string][]byte `json:"documents"`
	// Audit maps audit trail file names to their bodies.
	Audit map[string][]byte `json:"audit,omitempty"`
}

// compress zstd-compresses a payload.
func compress(payload []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("backup: could not create zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(payload, nil), nil
}

// decompress reverses compress for the given header compression.
func decompress(compression string, data []byte) ([]byte, error) {
	switch compression {
	case "":
		return data, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadLength))
		if err != nil {
			return nil, fmt.Errorf("backup: could not create zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidPayload, compression)
	}
}

// writeHeader writes the magic number and the length-prefixed header.
func writeHeader(w io.Writer, header *Header) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("backup: failed to write magic number: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("backup: failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("backup: failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("backup: failed to write header: %w", err)
	}
	return nil
}

// readHeader reads and validates the magic number and header.
func readHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, ErrInvalidMagic
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, ErrTruncated
	}
	if headerLen > maxHeaderLength {
		return nil, fmt.Errorf("backup: header too large: %d bytes", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, ErrTruncated
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("backup: failed to unmarshal header: %w", err)
	}
	if header.Version > FormatVersion || header.Version < 1 {
		return nil, fmt.Errorf("%w: got %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}
	return &header, nil
}
