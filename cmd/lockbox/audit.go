package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/snapshot"
)

// auditCmd groups the audit trail commands
func (c *cli) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(c.auditListCmd(), c.auditVerifyCmd(), c.auditExportCmd())
	return cmd
}

// auditListCmd lists audit events
func (c *cli) auditListCmd() *cobra.Command {
	var (
		limit int
		since string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTime, err := sinceFlag(since)
			if err != nil {
				return err
			}
			trail, err := c.trail()
			if err != nil {
				return err
			}

			events, err := trail.ListEvents(limit, sinceTime)
			if err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}
			if len(events) == 0 {
				fmt.Fprintln(c.out, "No audit events found")
				return nil
			}

			for _, event := range events {
				// Format: TIMESTAMP OPERATION RESULT [SUBJECT] [ERROR]
				line := fmt.Sprintf("%s %s %s", event.Timestamp, event.Operation, event.Result)
				if event.Subject != "" {
					subject := event.Subject
					if len(subject) > 16 {
						subject = subject[:16] + "..."
					}
					line += " subject:" + subject
				}
				if event.Error != nil {
					line += " error:" + event.Error.Code
				}
				if code, ok := event.Context["code"]; ok {
					line += fmt.Sprintf(" code:%v", code)
				}
				fmt.Fprintln(c.out, line)
			}
			fmt.Fprintf(c.out, "\nTotal: %d events\n", len(events))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events to show")
	cmd.Flags().StringVar(&since, "since", "", "Show events since duration (e.g., 24h, 7d)")
	return cmd
}

// auditVerifyCmd checks the HMAC chain
func (c *cli) auditVerifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify audit trail HMAC chain integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			trail, err := c.trail()
			if err != nil {
				return err
			}
			result, err := trail.Verify()
			if err != nil {
				return fmt.Errorf("failed to verify audit trail: %w", err)
			}

			if asJSON {
				data, _ := json.Marshal(result)
				fmt.Fprintln(c.out, string(data))
			} else if result.Valid {
				fmt.Fprintf(c.out, "Audit trail verified: %d records, chain intact\n", result.RecordsTotal)
			} else {
				fmt.Fprintln(c.out, "Audit trail verification FAILED")
				fmt.Fprintf(c.out, "  Records total: %d\n", result.RecordsTotal)
				fmt.Fprintf(c.out, "  Records verified: %d\n", result.RecordsVerified)
				for _, e := range result.Errors {
					fmt.Fprintf(c.out, "    - %s\n", e)
				}
			}

			if !result.Valid {
				return errors.New("audit trail integrity check failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

// auditExportCmd exports audit events
func (c *cli) auditExportCmd() *cobra.Command {
	var (
		format string
		since  string
		until  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit events as JSON or CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != audit.FormatJSON && format != audit.FormatCSV {
				return fmt.Errorf("invalid format: %s (use 'json' or 'csv')", format)
			}
			sinceTime, err := sinceFlag(since)
			if err != nil {
				return err
			}
			var untilTime time.Time
			if until != "" {
				untilTime, err = time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("invalid until format (use RFC 3339): %w", err)
				}
			}

			trail, err := c.trail()
			if err != nil {
				return err
			}
			data, err := trail.Export(format, sinceTime, untilTime)
			if err != nil {
				return fmt.Errorf("failed to export audit events: %w", err)
			}

			if output == "" {
				_, err = c.out.Write(data)
				return err
			}
			if err := snapshot.WriteFileAtomic(output, data, snapshot.FileMode); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			fmt.Fprintf(c.errOut, "Exported to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", audit.FormatJSON, "Output format: json, csv")
	cmd.Flags().StringVar(&since, "since", "", "Export events since duration (e.g., 30d)")
	cmd.Flags().StringVar(&until, "until", "", "Export events until date (RFC 3339)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file path (default: stdout)")
	return cmd
}

// sinceFlag converts a --since duration into an absolute time.
func sinceFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since format: %w", err)
	}
	return time.Now().Add(-d), nil
}

// parseDuration accepts time.ParseDuration syntax plus d, w, m (30 days)
// and y suffixes.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}

