package vault

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/forest6511/lockbox/pkg/crypto"
)

// LegacyMasterSecret is the built-in administrative secret used when no
// master credential is configured. It exists so that data directories
// created before master credentials were configurable keep working.
const LegacyMasterSecret = "admin123"

// MasterCredential verifies the administrative secret that authorizes
// reauthorization.
type MasterCredential struct {
	encoded string
	legacy  bool
}

// NewMasterCredential wraps an Argon2id PHC string produced by
// crypto.HashCredential.
func NewMasterCredential(encoded string) (*MasterCredential, error) {
	encoded = strings.TrimSpace(encoded)
	if err := crypto.ValidateCredential(encoded); err != nil {
		return nil, fmt.Errorf("master credential must be an argon2id hash: %w", err)
	}
	return &MasterCredential{encoded: encoded}, nil
}

// LegacyMasterCredential returns the built-in credential.
func LegacyMasterCredential() *MasterCredential {
	return &MasterCredential{legacy: true}
}

// IsLegacy reports whether this is the built-in credential.
func (m *MasterCredential) IsLegacy() bool {
	return m.legacy
}

// Verify reports whether secret matches.
func (m *MasterCredential) Verify(secret string) (bool, error) {
	if m.legacy {
		return subtle.ConstantTimeCompare([]byte(secret), []byte(LegacyMasterSecret)) == 1, nil
	}
	return crypto.VerifyCredential(m.encoded, secret)
}
