package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/forest6511/lockbox/internal/config"
	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/vault"
)

// cli holds the state shared by all commands of one invocation.
type cli struct {
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
	errOut io.Writer

	flags      config.Config
	configPath string
	environ    map[string]string

	cfg *config.Config
	log *logger.Logger
	svc *vault.Service
}

func newCLI(in io.Reader, out, errOut io.Writer) *cli {
	return &cli{
		in:     in,
		reader: bufio.NewReader(in),
		out:    out,
		errOut: errOut,
	}
}

// execute runs the command line. The vault is closed afterwards on every
// path; cobra skips post-run hooks when a command fails.
func (c *cli) execute(args []string) error {
	cmd := c.rootCmd()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if cerr := c.close(); err == nil {
		err = cerr
	}
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lockbox",
		Short: "lockbox is a passkey-gated local secret store",
		Long: `lockbox encrypts a plaintext under a passkey and returns an opaque identifier.
Retrieving the plaintext needs the identifier and the passkey. Repeated wrong
passkeys lock the identifier for a while; an administrator holding the master
credential can clear a lock early.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		// PersistentPreRunE resolves the configuration for every subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}
	rootCmd.SetIn(c.in)
	rootCmd.SetOut(c.out)
	rootCmd.SetErr(c.errOut)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&c.flags.DataDir, "data-dir", "", "Data directory (default ~/.lockbox)")
	pf.StringVar(&c.configPath, "config", "", "Config file (default <data-dir>/config.yaml)")
	pf.StringVar(&c.flags.Backend, "backend", "", "Storage backend: file, sqlite")
	pf.StringVar(&c.flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		c.storeCmd(),
		c.retrieveCmd(),
		c.reauthorizeCmd(),
		c.listCmd(),
		c.statusCmd(),
		c.masterHashCmd(),
		c.checkCmd(),
		c.backupCmd(),
		c.restoreCmd(),
		c.auditCmd(),
		c.mcpServerCmd(),
	)
	return rootCmd
}

func (c *cli) loadConfig() error {
	cfg, err := config.Load(config.Options{
		ConfigPath: c.configPath,
		Flags:      &c.flags,
		Environ:    c.environ,
	})
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = logger.NewConsole(c.errOut, "cli", cfg.LogLevel)
	return nil
}

// openVault opens the vault for commands that need it. source tags audit
// events.
func (c *cli) openVault(source string) (*vault.Service, error) {
	if c.svc != nil {
		return c.svc, nil
	}
	vcfg, err := c.cfg.VaultConfig(source, c.log)
	if err != nil {
		return nil, err
	}
	svc, err := vault.Open(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	c.svc = svc
	return svc, nil
}

func (c *cli) close() error {
	if c.svc == nil {
		return nil
	}
	err := c.svc.Close()
	c.svc = nil
	return err
}

// trail returns the audit trail of an open vault.
func (c *cli) trail() (*audit.Trail, error) {
	svc, err := c.openVault(audit.SourceCLI)
	if err != nil {
		return nil, err
	}
	t := svc.Audit()
	if t == nil {
		return nil, fmt.Errorf("audit trail is disabled (audit: false)")
	}
	return t, nil
}
