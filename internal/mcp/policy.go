package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Policy controls which vault tools an agent may call.
//
//	version: 1
//	default_action: allow        # allow | deny
//	allowed_tools: [vault_retrieve]
//	denied_tools: [vault_store]
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	AllowedTools  []string `yaml:"allowed_tools"`
	DeniedTools   []string `yaml:"denied_tools"`
}

// PolicyFileName is the name of the policy file in the data directory.
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

var (
	// ErrPolicyNotFound is returned when no policy file exists
	ErrPolicyNotFound = errors.New("mcp: policy file not found")

	// ErrPolicyInsecure is returned when policy file has insecure permissions
	ErrPolicyInsecure = errors.New("mcp: policy file has insecure permissions")

	// ErrPolicySymlink is returned when policy file is a symlink
	ErrPolicySymlink = errors.New("mcp: policy file is a symlink")

	// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
	ErrPolicyNotOwnedByUser = errors.New("mcp: policy file not owned by current user")

	// ErrPolicyInvalid is returned for unparsable or unsupported policies
	ErrPolicyInvalid = errors.New("mcp: invalid policy")
)

// sensitiveTools hand plaintext or lock control to the agent. They need an
// explicit allowed_tools entry even when default_action is allow.
var sensitiveTools = []string{ToolRetrieve, ToolReauthorize}

// DefaultPolicy is used when no policy file exists: every tool except the
// sensitive ones.
func DefaultPolicy() *Policy {
	return &Policy{Version: 1, DefaultAction: ActionAllow}
}

// RestrictedPolicy denies every tool. It replaces a policy file that exists
// but cannot be trusted.
func RestrictedPolicy() *Policy {
	return &Policy{Version: 1, DefaultAction: ActionDeny}
}

// LoadPolicy loads the policy from dir. The file is opened without following
// symlinks and checked through the open descriptor, so it cannot be swapped
// between the checks and the read.
func LoadPolicy(dir string) (*Policy, error) {
	f, err := openPolicyFile(filepath.Join(dir, PolicyFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to stat policy file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file", ErrPolicyInvalid)
	}
	if err := checkFilePermissions(info); err != nil {
		return nil, err
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(f, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
	}
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks version, default action and tool names.
func (p *Policy) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("%w: unsupported version %d", ErrPolicyInvalid, p.Version)
	}
	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("%w: default_action %q (must be %q or %q)",
			ErrPolicyInvalid, p.DefaultAction, ActionDeny, ActionAllow)
	}
	for _, name := range append(slices.Clone(p.AllowedTools), p.DeniedTools...) {
		if !slices.Contains(AllTools(), name) {
			return fmt.Errorf("%w: unknown tool %q", ErrPolicyInvalid, name)
		}
	}
	return nil
}

// IsToolAllowed evaluates, in order: denied_tools, allowed_tools, the
// sensitive tool list, default_action.
func (p *Policy) IsToolAllowed(name string) (allowed bool, reason string) {
	if slices.Contains(p.DeniedTools, name) {
		return false, fmt.Sprintf("tool '%s' is in denied_tools", name)
	}
	if slices.Contains(p.AllowedTools, name) {
		return true, ""
	}
	if slices.Contains(sensitiveTools, name) {
		return false, fmt.Sprintf("tool '%s' must be listed in allowed_tools", name)
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("tool '%s' not in allowed_tools list", name)
}
