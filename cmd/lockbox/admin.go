package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/security"
)

// masterHashCmd hashes a new master credential for the config file
func (c *cli) masterHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "master-hash",
		Short: "Hash a master credential for the configuration",
		Long: `Hash a master credential with Argon2id and print the encoded hash.
Put it in config.yaml as master_credential, or export it as
LOCKBOX_MASTER_CREDENTIAL. Until one is configured lockbox falls back to a
built-in default credential.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := c.readNewSecret("New master credential: ")
			if err != nil {
				return err
			}
			if secret == "" {
				return errors.New("master credential must not be empty")
			}

			if s := security.CalculatePasskeyStrength(secret); s < security.Good {
				fmt.Fprintf(c.errOut, "Warning: master credential strength is %s\n", s)
			}

			encoded, err := crypto.HashCredential(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, encoded)
			return nil
		},
	}
}

// checkCmd runs the integrity check
func (c *cli) checkCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the data directory for corruption and insecure permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.openVault(audit.SourceCLI)
			if err != nil {
				return err
			}
			result, err := svc.CheckIntegrity()
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out, string(data))
			} else {
				fmt.Fprintf(c.out, "Records:     %d (%d readable)\n", result.Records, result.RecordsReadable)
				fmt.Fprintf(c.out, "Locked:      %d\n", result.LockedIDs)
				fmt.Fprintf(c.out, "Permissions: %v\n", result.PermissionsValid)
				if result.DBIntegrity != "" {
					fmt.Fprintf(c.out, "Database:    %s\n", result.DBIntegrity)
				}
				for _, e := range result.Errors {
					fmt.Fprintf(c.out, "  - %s\n", e)
				}
			}

			if !result.Valid {
				return errors.New("integrity check failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}
