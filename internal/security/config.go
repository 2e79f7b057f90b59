package security

// Config is the security section of the server configuration.
type Config struct {
	// EnforceWorkspace rejects requests whose cwd resolves outside the
	// workspace and AllowedRoots.
	EnforceWorkspace bool     `yaml:"enforce_workspace" json:"enforce_workspace"`
	ForbiddenPaths   []string `yaml:"forbidden_paths" json:"forbidden_paths"`
	AllowedRoots     []string `yaml:"allowed_roots" json:"allowed_roots"`
	// AllowedTools, when non-empty, is the only set of tools that may run.
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools"`
	DeniedTools  []string `yaml:"denied_tools" json:"denied_tools"`
	// AllowedUIDs limits which peer users may connect. Empty allows any.
	AllowedUIDs []int `yaml:"allowed_uids" json:"allowed_uids"`
}

// DefaultConfig returns the permissive defaults: any cwd, any tool that has
// a directory, any local user with access to the socket file.
func DefaultConfig() Config {
	return Config{
		ForbiddenPaths: []string{"/proc", "/sys"},
	}
}
