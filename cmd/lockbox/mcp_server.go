package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/lockbox/internal/mcp"
	"github.com/forest6511/lockbox/pkg/audit"
)

// mcpServerCmd serves the vault to AI agents over stdio
func (c *cli) mcpServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Start the MCP server for AI agent integration",
		Long: `Start a Model Context Protocol server on stdin/stdout.

Tools:
  - vault_list:            List stored identifiers
  - vault_store:           Store a plaintext under a passkey
  - vault_retrieve_masked: Check a passkey and get a masked plaintext
  - vault_status:          Show the lock state of an identifier
  - vault_retrieve:        Get the plaintext (only if the policy allows it)
  - vault_reauthorize:     Clear a lock with the master credential
                           (only if the policy allows it)

Policy:
  <data-dir>/mcp-policy.yaml (mode 0600) selects the exposed tools:

    version: 1
    default_action: allow
    allowed_tools: [vault_retrieve]
    denied_tools: [vault_store]

Example MCP configuration:
  {
    "mcpServers": {
      "lockbox": {
        "type": "stdio",
        "command": "/path/to/lockbox",
        "args": ["mcp-server"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runMCPServer(cmd.Context())
		},
	}
}

func (c *cli) runMCPServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	svc, err := c.openVault(audit.SourceMCP)
	if err != nil {
		return err
	}

	server, err := mcp.NewServer(mcp.ServerOptions{
		Vault:     svc,
		PolicyDir: c.cfg.DataDir,
		Logger:    c.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	c.log.Info().Strs("tools", server.Tools()).Msg("MCP server starting on stdio")

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
