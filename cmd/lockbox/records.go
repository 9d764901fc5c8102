package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/security"
)

// storeCmd encrypts a plaintext under a passkey
func (c *cli) storeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store [plaintext]",
		Short: "Encrypt a plaintext under a passkey and print its identifier",
		Long: `Encrypt a plaintext under a passkey and print the identifier needed to
retrieve it. Without an argument the plaintext is read from stdin.

The passkey is prompted for without echo on a terminal, or read as the next
line of stdin otherwise.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plaintext string
			if len(args) == 1 {
				plaintext = args[0]
			} else {
				line, err := c.readLine()
				if err != nil {
					return err
				}
				plaintext = line
			}

			passkey, err := c.readNewSecret("Passkey: ")
			if err != nil {
				return err
			}

			svc, err := c.openVault(audit.SourceCLI)
			if err != nil {
				return err
			}
			id, err := svc.Store(plaintext, passkey)
			if err != nil {
				return err
			}

			// Strength is advisory only
			assessment := security.Assess(passkey)
			if assessment.Strength <= security.Fair {
				fmt.Fprintf(c.errOut, "Warning: passkey strength is %s\n", assessment.Strength)
			}
			for _, w := range assessment.Warnings {
				fmt.Fprintf(c.errOut, "Warning: %s\n", w)
			}

			fmt.Fprintln(c.out, id)
			return nil
		},
	}
}

// retrieveCmd prints the plaintext stored under an identifier
func (c *cli) retrieveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <identifier>",
		Short: "Decrypt and print the plaintext stored under an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passkey, err := c.readSecret("Passkey: ")
			if err != nil {
				return err
			}

			svc, err := c.openVault(audit.SourceCLI)
			if err != nil {
				return err
			}
			plaintext, err := svc.Retrieve(args[0], passkey)
			if err != nil {
				return err
			}

			fmt.Fprintln(c.out, plaintext)
			return nil
		},
	}
}

// reauthorizeCmd clears the attempt state of an identifier
func (c *cli) reauthorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reauthorize <identifier>",
		Short: "Clear the failed attempts and lock of an identifier",
		Long: `Clear the failed attempts and lock of an identifier using the master
credential. The master credential is prompted for without echo on a terminal,
or read as the next line of stdin otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			master, err := c.readSecret("Master credential: ")
			if err != nil {
				return err
			}

			svc, err := c.openVault(audit.SourceCLI)
			if err != nil {
				return err
			}
			if err := svc.Reauthorize(args[0], master); err != nil {
				return err
			}

			fmt.Fprintln(c.out, "Reauthorized")
			return nil
		},
	}
}

// listCmd prints every identifier in insertion order
func (c *cli) listCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored identifiers, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.openVault(audit.SourceCLI)
			if err != nil {
				return err
			}
			ids, err := svc.ListIdentifiers()
			if err != nil {
				return err
			}

			if len(ids) == 0 {
				fmt.Fprintln(c.errOut, "No records stored")
				return nil
			}
			for _, id := range ids {
				if short && len(id) > 16 {
					id = id[:16] + "..."
				}
				fmt.Fprintln(c.out, id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Truncate identifiers")
	return cmd
}

// statusCmd shows whether an identifier is locked
func (c *cli) statusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status <identifier>",
		Short: "Show the lock state of an identifier",
		Long: `Show the lock state of an identifier: the attempts left while it is open,
or the time left (mm:ss) while it is locked. With --watch the countdown is
refreshed every second until the lock expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.openVault(audit.SourceCLI)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			for {
				st, err := svc.LockStatus(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out, formatStatus(st))
				if !watch || !st.Locked() {
					return nil
				}

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Refresh the countdown until the lock expires")
	return cmd
}

func formatStatus(st attempts.Status) string {
	if st.Locked() {
		return fmt.Sprintf("locked, try again in %s", attempts.FormatRemaining(st.Remaining))
	}
	return fmt.Sprintf("open, %d attempt(s) left", st.AttemptsLeft)
}
