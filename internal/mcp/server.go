// Package mcp serves the vault to AI agents over the Model Context Protocol.
//
// The server speaks MCP over stdio. Which tools an agent sees is decided by
// mcp-policy.yaml in the data directory; plaintext-returning tools are off
// unless the policy names them.
package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/attempts"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Vault is the subset of *vault.Service the tools need.
type Vault interface {
	Store(plaintext, passkey string) (string, error)
	Retrieve(identifier, passkey string) (string, error)
	Reauthorize(identifier, master string) error
	ListIdentifiers() ([]string, error)
	LockStatus(identifier string) (attempts.Status, error)
}

// Server represents the MCP server for lockbox.
type Server struct {
	server *mcp.Server
	vault  Vault
	policy *Policy
	log    *logger.Logger
	tools  []string
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// Vault serves every tool call.
	Vault Vault
	// PolicyDir holds mcp-policy.yaml (the data directory).
	PolicyDir string
	// Logger receives policy and tool logs. It must not write to stdout.
	Logger *logger.Logger
}

// NewServer creates a new MCP server instance.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Vault == nil {
		return nil, errors.New("mcp: vault is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.GetChildLogger("mcp")

	policy, err := LoadPolicy(opts.PolicyDir)
	switch {
	case err == nil:
		log.Info().Str("default_action", policy.DefaultAction).Msg("loaded MCP policy")
	case errors.Is(err, ErrPolicyNotFound):
		policy = DefaultPolicy()
	default:
		// A policy that exists but cannot be trusted must not widen access.
		log.Warn().Err(err).Msg("ignoring MCP policy, all tools disabled")
		policy = RestrictedPolicy()
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: "lockbox", Version: Version}, nil),
		vault:  opts.Vault,
		policy: policy,
		log:    log,
	}
	s.registerTools()

	return s, nil
}

// Tools returns the names of the tools exposed to clients.
func (s *Server) Tools() []string {
	return s.tools
}

// Policy returns the policy in effect.
func (s *Server) Policy() *Policy {
	return s.policy
}

// Run serves MCP over stdin/stdout until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// registerTools adds every tool the policy allows.
func (s *Server) registerTools() {
	add := func(name string, register func()) {
		if allowed, reason := s.policy.IsToolAllowed(name); !allowed {
			s.log.Debug().Str("tool", name).Str("reason", reason).Msg("tool not exposed")
			return
		}
		register()
		s.tools = append(s.tools, name)
	}

	add(ToolList, func() {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolList,
			Description: "List the identifiers of all stored records, oldest first. Identifiers are opaque; no plaintext is returned.",
		}, s.handleList)
	})
	add(ToolStore, func() {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolStore,
			Description: "Encrypt a plaintext under a passkey. Returns the identifier needed to retrieve it and an advisory passkey strength.",
		}, s.handleStore)
	})
	add(ToolRetrieve, func() {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolRetrieve,
			Description: "Decrypt a record with its identifier and passkey and return the plaintext. Wrong passkeys count toward a temporary lock.",
		}, s.handleRetrieve)
	})
	add(ToolRetrieveMasked, func() {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolRetrieveMasked,
			Description: "Check a passkey against a record and return only a masked plaintext (e.g. '****WXYZ'). Wrong passkeys count toward a temporary lock.",
		}, s.handleRetrieveMasked)
	})
	add(ToolReauthorize, func() {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolReauthorize,
			Description: "Clear the failed-attempt state of an identifier using the master credential.",
		}, s.handleReauthorize)
	})
	add(ToolStatus, func() {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolStatus,
			Description: "Report whether an identifier is locked, the time left on the lock and the attempts left.",
		}, s.handleStatus)
	})
}
