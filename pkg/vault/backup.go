package vault

import (
	"io"

	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/backup"
	"github.com/forest6511/lockbox/pkg/records"
)

// Documents returns the names of the snapshot documents a vault keeps.
func Documents() []string {
	return []string{records.DocumentName, attempts.DocumentName}
}

// Restore writes a backup into dir through backup.Restore. Every vault
// document is replaced, including those the backup does not carry.
func Restore(dir string, contents *backup.Contents, opts backup.RestoreOptions) (*backup.RestoreResult, error) {
	opts.Documents = Documents()
	return backup.Restore(dir, contents, opts)
}

// Backup writes an encrypted copy of the vault to w. The copy is taken
// under the service lock, so it never mixes states of two operations.
func (s *Service) Backup(w io.Writer, includeAudit bool, opts backup.Options) (*backup.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	key, err := s.keys.Key()
	if err != nil {
		return nil, err
	}
	contents, err := backup.Collect(s.dir, key, s.backend,
		Documents(), includeAudit)
	if err != nil {
		return nil, err
	}

	header := backup.Header{
		CreatedAt: s.now().UTC(),
		Backend:   s.backendKind,
		Records:   s.records.Len(),
	}
	if err := backup.Write(w, header, contents, opts); err != nil {
		s.auditFailure(audit.OpVaultBackup, "", err)
		return nil, err
	}

	header.IncludesAudit = len(contents.Audit) > 0
	s.auditSuccess(audit.OpVaultBackup, "")
	s.log.Info().Int("records", header.Records).Bool("audit", header.IncludesAudit).Msg("backup written")
	return &header, nil
}
