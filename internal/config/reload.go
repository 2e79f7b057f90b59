package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
}

// field is one comparable part of the config. Hot fields are copied into
// the live config on reload; the rest only produce a warning.
type field struct {
	name string
	hot  bool
	get  func(*Config) any
	set  func(dst, src *Config)
}

var fields = []field{
	{name: "Server.Socket", get: func(c *Config) any { return c.Server.Socket }},
	{name: "Server.SocketDir", get: func(c *Config) any { return c.Server.SocketDir }},
	{name: "Server.Instance", get: func(c *Config) any { return c.Server.Instance }},
	{name: "Server.ProjectDir", get: func(c *Config) any { return c.Server.ProjectDir }},
	{name: "Server.SocketMode", get: func(c *Config) any { return c.Server.SocketMode }},
	{name: "Server.SocketGroup", get: func(c *Config) any { return c.Server.SocketGroup }},
	{name: "Server.LogLevel", hot: true,
		get: func(c *Config) any { return c.Server.LogLevel },
		set: func(dst, src *Config) { dst.Server.LogLevel = src.Server.LogLevel }},
	{name: "Tools", get: func(c *Config) any { return c.Tools }},
	{name: "Exec", get: func(c *Config) any { return c.Exec }},
	{name: "Audit", get: func(c *Config) any { return c.Audit }},
	{name: "Security.AllowedUIDs", get: func(c *Config) any { return c.Security.AllowedUIDs }},
	{name: "Security.Policy", hot: true,
		get: func(c *Config) any {
			s := c.Security
			s.AllowedUIDs = nil
			return s
		},
		set: func(dst, src *Config) {
			uids := dst.Security.AllowedUIDs
			dst.Security = src.Security
			dst.Security.AllowedUIDs = uids
		}},
}

// mu protects a Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, applies env overrides via lookup,
// and copies hot-reloadable changes into c. Other changes are reported as
// skipped. An invalid new config leaves c untouched.
func (c *Config) Reload(path string, lookup func(string) (string, bool)) (*ReloadResult, error) {
	next, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	if lookup != nil {
		if err := next.ApplyEnv(lookup); err != nil {
			return nil, fmt.Errorf("reload: %w", err)
		}
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	result := &ReloadResult{}
	for _, f := range fields {
		// A list written as [] and one left unset are the same setting.
		if cmp.Equal(f.get(c), f.get(next), cmpopts.EquateEmpty()) {
			continue
		}
		result.Changed = append(result.Changed, f.name)
		if f.hot {
			f.set(c, next)
			result.Applied = append(result.Applied, f.name)
		} else {
			result.Skipped = append(result.Skipped, f.name)
		}
	}
	return result, nil
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}
	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
	)
	for _, name := range r.Applied {
		logger.Info("config field hot-reloaded", "field", name)
	}
	for _, name := range r.Skipped {
		logger.Warn("config field requires restart", "field", name)
	}
}
