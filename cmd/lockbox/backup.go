package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/backup"
	"github.com/forest6511/lockbox/pkg/snapshot"
	"github.com/forest6511/lockbox/pkg/vault"
)

// backupOptions reads the backup key: a key file when given, otherwise a
// passphrase prompt.
func (c *cli) backupOptions(keyFile string, confirm bool) (backup.Options, error) {
	if keyFile != "" {
		return backup.Options{KeyFile: keyFile}, nil
	}
	read := c.readSecret
	if confirm {
		read = c.readNewSecret
	}
	passphrase, err := read("Backup passphrase: ")
	if err != nil {
		return backup.Options{}, err
	}
	if passphrase == "" {
		return backup.Options{}, backup.ErrEmptyPassphrase
	}
	return backup.Options{Passphrase: []byte(passphrase)}, nil
}

// backupCmd writes an encrypted backup of the data directory
func (c *cli) backupCmd() *cobra.Command {
	var (
		output      string
		withAudit   bool
		keyFile     string
		generateKey string
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an encrypted backup of the vault",
		Long: `Write an encrypted backup of the data key, the records, the attempt states
and, with --with-audit, the audit trail.

The backup is encrypted under a passphrase (prompted for) or a 32-byte key
file (--key-file). Use --generate-key to create a key file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if generateKey != "" {
				if err := backup.GenerateKeyFile(generateKey); err != nil {
					return err
				}
				fmt.Fprintf(c.errOut, "Key file written to %s\n", generateKey)
				return nil
			}
			if output == "" {
				return errors.New("--output is required")
			}

			opts, err := c.backupOptions(keyFile, true)
			if err != nil {
				return err
			}
			svc, err := c.openVault(audit.SourceCLI)
			if err != nil {
				return err
			}

			f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, snapshot.FileMode)
			if err != nil {
				return fmt.Errorf("failed to create backup file: %w", err)
			}
			header, err := svc.Backup(f, withAudit, opts)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(output)
				return err
			}

			fmt.Fprintf(c.out, "Backup written to %s (%d records, audit: %v)\n",
				output, header.Records, header.IncludesAudit)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Backup file to create")
	cmd.Flags().BoolVar(&withAudit, "with-audit", false, "Include the audit trail")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Encrypt with a 32-byte key file instead of a passphrase")
	cmd.Flags().StringVar(&generateKey, "generate-key", "", "Write a new random key file and exit")
	return cmd
}

// restoreCmd restores a backup into the data directory
func (c *cli) restoreCmd() *cobra.Command {
	var (
		force      bool
		withAudit  bool
		verifyOnly bool
		keyFile    string
	)
	cmd := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Restore the vault from an encrypted backup",
		Long: `Restore the data key, records and attempt states from a backup into the
data directory, using the configured backend. An existing vault is only
replaced with --force; its audit trail is then moved aside.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read backup file: %w", err)
			}
			opts, err := c.backupOptions(keyFile, false)
			if err != nil {
				return err
			}

			if verifyOnly {
				result := backup.Verify(data, opts)
				out, _ := json.MarshalIndent(result, "", "  ")
				fmt.Fprintln(c.out, string(out))
				if !result.Valid {
					return errors.New("backup verification failed")
				}
				return nil
			}

			header, contents, err := backup.Read(data, opts)
			if err != nil {
				return err
			}
			result, err := vault.Restore(c.cfg.DataDir, contents, backup.RestoreOptions{
				Backend:   c.cfg.Backend,
				Force:     force,
				WithAudit: withAudit,
				Logger:    c.log,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(c.out, "Restored %d records from backup of %s\n",
				header.Records, header.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			if result.AuditMovedTo != "" {
				fmt.Fprintf(c.out, "Previous audit trail moved to %s\n", result.AuditMovedTo)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing vault")
	cmd.Flags().BoolVar(&withAudit, "with-audit", false, "Restore the audit trail from the backup")
	cmd.Flags().BoolVar(&verifyOnly, "verify-only", false, "Only verify the backup")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Decrypt with a 32-byte key file")
	return cmd
}
