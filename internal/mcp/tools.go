package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/security"
	"github.com/forest6511/lockbox/pkg/vault"
)

// Tool names
const (
	ToolList           = "vault_list"
	ToolStore          = "vault_store"
	ToolRetrieve       = "vault_retrieve"
	ToolRetrieveMasked = "vault_retrieve_masked"
	ToolReauthorize    = "vault_reauthorize"
	ToolStatus         = "vault_status"
)

// AllTools returns every tool name.
func AllTools() []string {
	return []string{ToolList, ToolStore, ToolRetrieve, ToolRetrieveMasked, ToolReauthorize, ToolStatus}
}

// Outcome is part of every tool result. Code is "OK" on success or one of
// VALIDATION, NOT_FOUND, WRONG_PASSKEY, LOCKED, WRONG_MASTER, CORRUPT_RECORD.
type Outcome struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	// AttemptsLeft is set for WRONG_PASSKEY.
	AttemptsLeft int `json:"attempts_left,omitempty"`
	// LockRemaining (mm:ss) and LockRemainingSeconds are set for LOCKED.
	LockRemaining        string `json:"lock_remaining,omitempty"`
	LockRemainingSeconds int    `json:"lock_remaining_seconds,omitempty"`
}

// ListInput represents input for vault_list.
type ListInput struct{}

// ListOutput represents output for vault_list.
type ListOutput struct {
	Identifiers []string `json:"identifiers"`
	Count       int      `json:"count"`
}

// StoreInput represents input for vault_store.
type StoreInput struct {
	Plaintext string `json:"plaintext" jsonschema:"the text to encrypt"`
	Passkey   string `json:"passkey" jsonschema:"the passkey required to retrieve it"`
}

// StoreOutput represents output for vault_store.
type StoreOutput struct {
	Outcome Outcome `json:"outcome"`

	Identifier string   `json:"identifier,omitempty"`
	Strength   string   `json:"passkey_strength,omitempty"`
	Warnings   []string `json:"passkey_warnings,omitempty"`
}

// RetrieveInput represents input for vault_retrieve and vault_retrieve_masked.
type RetrieveInput struct {
	Identifier string `json:"identifier" jsonschema:"the identifier returned by vault_store"`
	Passkey    string `json:"passkey" jsonschema:"the passkey the record was stored under"`
}

// RetrieveOutput represents output for vault_retrieve.
type RetrieveOutput struct {
	Outcome Outcome `json:"outcome"`

	Plaintext string `json:"plaintext,omitempty"`
}

// RetrieveMaskedOutput represents output for vault_retrieve_masked.
type RetrieveMaskedOutput struct {
	Outcome Outcome `json:"outcome"`

	MaskedPlaintext string `json:"masked_plaintext,omitempty"`
	Length          int    `json:"length,omitempty"`
}

// ReauthorizeInput represents input for vault_reauthorize.
type ReauthorizeInput struct {
	Identifier string `json:"identifier" jsonschema:"the identifier to reset"`
	Master     string `json:"master" jsonschema:"the master credential"`
}

// ReauthorizeOutput represents output for vault_reauthorize.
type ReauthorizeOutput struct {
	Outcome Outcome `json:"outcome"`
}

// StatusInput represents input for vault_status.
type StatusInput struct {
	Identifier string `json:"identifier" jsonschema:"the identifier to inspect"`
}

// StatusOutput represents output for vault_status.
type StatusOutput struct {
	Outcome Outcome `json:"outcome"`

	Locked       bool `json:"locked"`
	Failures     int  `json:"failures"`
	MaxAttempts  int  `json:"max_attempts,omitempty"`
	AttemptsLeft int  `json:"attempts_left_before_lock"`
}

// allow re-checks the policy inside a handler.
func (s *Server) allow(name string) error {
	if allowed, reason := s.policy.IsToolAllowed(name); !allowed {
		return fmt.Errorf("tool not allowed by policy: %s", reason)
	}
	return nil
}

// outcome maps a vault error to structured output. Errors that are not
// vault outcomes are returned as tool errors.
func outcome(err error) (Outcome, error) {
	code := vault.Code(err)
	if code == "IO_ERROR" || code == "CLOSED" {
		return Outcome{}, err
	}

	out := Outcome{Code: code}
	if err == nil {
		return out, nil
	}
	out.Message = strings.TrimPrefix(err.Error(), "vault: ")

	var werr *vault.WrongPasskeyError
	var lerr *vault.LockedError
	switch {
	case errors.As(err, &werr):
		out.AttemptsLeft = werr.AttemptsLeft
	case errors.As(err, &lerr):
		out.LockRemaining = attempts.FormatRemaining(lerr.Remaining)
		out.LockRemainingSeconds = int(lerr.Remaining.Seconds())
	}
	return out, nil
}

// handleList handles the vault_list tool call.
func (s *Server) handleList(_ context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, ListOutput, error) {
	if err := s.allow(ToolList); err != nil {
		return nil, ListOutput{}, err
	}
	ids, err := s.vault.ListIdentifiers()
	if err != nil {
		return nil, ListOutput{}, err
	}
	if ids == nil {
		ids = []string{}
	}
	return nil, ListOutput{Identifiers: ids, Count: len(ids)}, nil
}

// handleStore handles the vault_store tool call.
func (s *Server) handleStore(_ context.Context, _ *mcp.CallToolRequest, input StoreInput) (*mcp.CallToolResult, StoreOutput, error) {
	if err := s.allow(ToolStore); err != nil {
		return nil, StoreOutput{}, err
	}

	id, err := s.vault.Store(input.Plaintext, input.Passkey)
	oc, toolErr := outcome(err)
	if toolErr != nil {
		return nil, StoreOutput{}, toolErr
	}

	out := StoreOutput{Outcome: oc, Identifier: id}
	if err == nil {
		assessment := security.Assess(input.Passkey)
		out.Strength = assessment.Strength.String()
		out.Warnings = assessment.Warnings
	}
	return nil, out, nil
}

// handleRetrieve handles the vault_retrieve tool call.
func (s *Server) handleRetrieve(_ context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (*mcp.CallToolResult, RetrieveOutput, error) {
	if err := s.allow(ToolRetrieve); err != nil {
		return nil, RetrieveOutput{}, err
	}

	plaintext, err := s.vault.Retrieve(input.Identifier, input.Passkey)
	oc, toolErr := outcome(err)
	if toolErr != nil {
		return nil, RetrieveOutput{}, toolErr
	}
	return nil, RetrieveOutput{Outcome: oc, Plaintext: plaintext}, nil
}

// handleRetrieveMasked handles the vault_retrieve_masked tool call.
func (s *Server) handleRetrieveMasked(_ context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (*mcp.CallToolResult, RetrieveMaskedOutput, error) {
	if err := s.allow(ToolRetrieveMasked); err != nil {
		return nil, RetrieveMaskedOutput{}, err
	}

	plaintext, err := s.vault.Retrieve(input.Identifier, input.Passkey)
	oc, toolErr := outcome(err)
	if toolErr != nil {
		return nil, RetrieveMaskedOutput{}, toolErr
	}

	out := RetrieveMaskedOutput{Outcome: oc}
	if err == nil {
		out.MaskedPlaintext = maskValue(plaintext)
		out.Length = len([]rune(plaintext))
	}
	return nil, out, nil
}

// handleReauthorize handles the vault_reauthorize tool call.
func (s *Server) handleReauthorize(_ context.Context, _ *mcp.CallToolRequest, input ReauthorizeInput) (*mcp.CallToolResult, ReauthorizeOutput, error) {
	if err := s.allow(ToolReauthorize); err != nil {
		return nil, ReauthorizeOutput{}, err
	}

	oc, toolErr := outcome(s.vault.Reauthorize(input.Identifier, input.Master))
	if toolErr != nil {
		return nil, ReauthorizeOutput{}, toolErr
	}
	return nil, ReauthorizeOutput{Outcome: oc}, nil
}

// handleStatus handles the vault_status tool call.
func (s *Server) handleStatus(_ context.Context, _ *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	if err := s.allow(ToolStatus); err != nil {
		return nil, StatusOutput{}, err
	}

	st, err := s.vault.LockStatus(input.Identifier)
	oc, toolErr := outcome(err)
	if toolErr != nil {
		return nil, StatusOutput{}, toolErr
	}
	if err != nil {
		return nil, StatusOutput{Outcome: oc}, nil
	}

	out := StatusOutput{
		Outcome:      oc,
		Locked:       st.Locked(),
		Failures:     st.Failures,
		MaxAttempts:  st.Failures + st.AttemptsLeft,
		AttemptsLeft: st.AttemptsLeft,
	}
	if st.Locked() {
		out.Outcome.LockRemaining = attempts.FormatRemaining(st.Remaining)
		out.Outcome.LockRemainingSeconds = int(st.Remaining.Seconds())
	}
	return nil, out, nil
}

// maskValue masks a plaintext, showing only the last few characters:
// 1-4 chars: all masked, 5-8 chars: last 2 shown, 9+ chars: last 4 shown.
func maskValue(value string) string {
	r := []rune(value)
	length := len(r)

	switch {
	case length == 0:
		return ""
	case length <= 4:
		return strings.Repeat("*", length)
	case length <= 8:
		return strings.Repeat("*", length-2) + string(r[length-2:])
	default:
		return strings.Repeat("*", length-4) + string(r[length-4:])
	}
}
