package security

import (
	"errors"
	"fmt"
	"slices"
)

// ErrDenied marks a request rejected by policy before any process starts.
var ErrDenied = errors.New("security: denied")

// Policy decides whether a request may be dispatched at all. It is checked
// before the restriction wrapper, which remains responsible for argument
// level rules.
type Policy struct {
	WorkspaceOnly  bool
	Workspace      string
	ForbiddenPaths []string
	AllowedRoots   []string
	AllowedTools   []string
	DeniedTools    []string
}

// NewPolicy creates a Policy for workspace from cfg.
func NewPolicy(cfg Config, workspace string) *Policy {
	return &Policy{
		WorkspaceOnly:  cfg.EnforceWorkspace,
		Workspace:      workspace,
		ForbiddenPaths: cfg.ForbiddenPaths,
		AllowedRoots:   cfg.AllowedRoots,
		AllowedTools:   cfg.AllowedTools,
		DeniedTools:    cfg.DeniedTools,
	}
}

// CheckTool reports whether name may be invoked.
func (p *Policy) CheckTool(name string) error {
	if slices.Contains(p.DeniedTools, name) {
		return fmt.Errorf("%w: tool %q is denied", ErrDenied, name)
	}
	if len(p.AllowedTools) == 0 || slices.Contains(p.AllowedTools, "*") {
		return nil
	}
	if !slices.Contains(p.AllowedTools, name) {
		return fmt.Errorf("%w: tool %q is not in the allowed list", ErrDenied, name)
	}
	return nil
}

// CheckCwd reports whether a subprocess may run in dir. Forbidden paths are
// always enforced; workspace containment only when WorkspaceOnly is set.
func (p *Policy) CheckCwd(dir string) error {
	if err := validatePath(dir, p.Workspace, p.ForbiddenPaths, p.AllowedRoots, p.WorkspaceOnly); err != nil {
		return fmt.Errorf("%w: %w", ErrDenied, err)
	}
	return nil
}
