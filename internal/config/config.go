package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clawinfra/toolgate/internal/instance"
	"github.com/clawinfra/toolgate/internal/security"
)

// Config holds all toolgate configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Tools    ToolsConfig     `yaml:"tools"`
	Exec     ExecConfig      `yaml:"exec"`
	Security security.Config `yaml:"security"`
	Audit    AuditConfig     `yaml:"audit"`
}

type ServerConfig struct {
	// Socket is an explicit socket path. When empty the path is derived
	// from Instance or ProjectDir under SocketDir.
	Socket        string        `yaml:"socket"`
	SocketDir     string        `yaml:"socket_dir"`
	Instance      string        `yaml:"instance"`
	ProjectDir    string        `yaml:"project_dir"`
	SocketMode    string        `yaml:"socket_mode"` // octal, e.g. "0660"
	SocketGroup   string        `yaml:"socket_group"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	LogLevel      string        `yaml:"log_level"`
}

type ToolsConfig struct {
	Dir           string        `yaml:"dir"`
	RestrictedDir string        `yaml:"restricted_dir"`
	Workspace     string        `yaml:"workspace"`
	SearchDirs    []string      `yaml:"search_dirs"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Python        string        `yaml:"python"`
	Shell         string        `yaml:"shell"`
	SetupTimeout  time.Duration `yaml:"setup_timeout"`
	SetupWorkers  int           `yaml:"setup_workers"`
}

type ExecConfig struct {
	// MaxOutputBytes bounds each captured stream of a subprocess.
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// MaxConcurrent caps running subprocesses; 0 means unlimited.
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

type AuditConfig struct {
	Enabled   bool          `yaml:"enabled"`
	DBPath    string        `yaml:"db_path"`
	Retention time.Duration `yaml:"retention"`
	Schedule  string        `yaml:"schedule"` // cron expression for pruning
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			SocketDir:     instance.DefaultSocketDir,
			SocketMode:    "0660",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			ShutdownGrace: 10 * time.Second,
			LogLevel:      "info",
		},
		Tools: ToolsConfig{
			Dir:           "/app/tools.d",
			RestrictedDir: "/app/restricted",
			Workspace:     "/workspace",
			SearchDirs:    []string{"/usr/bin", "/usr/local/bin", "/bin"},
			PollInterval:  2 * time.Second,
			Python:        "python3",
			Shell:         "bash",
			SetupTimeout:  30 * time.Second,
			SetupWorkers:  4,
		},
		Exec: ExecConfig{
			MaxOutputBytes: 1 << 20,
		},
		Security: security.DefaultConfig(),
		Audit: AuditConfig{
			DBPath:    "/var/lib/toolgate/audit.db",
			Retention: 7 * 24 * time.Hour,
			Schedule:  "@hourly",
		},
	}
}

// Load reads a YAML (or JSON) config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o640)
}

// ApplyEnv overrides fields from the process environment. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("TOOL_SOCKET", &c.Server.Socket)
	str("WORKSPACE", &c.Tools.Workspace)
	str("TOOLS_DIR", &c.Tools.Dir)
	str("RESTRICTED_DIR", &c.Tools.RestrictedDir)
	str("TOOLGATE_INSTANCE", &c.Server.Instance)
	str("TOOLGATE_PROJECT_DIR", &c.Server.ProjectDir)
	str("TOOLGATE_SOCKET_DIR", &c.Server.SocketDir)
	str("TOOLGATE_LOG_LEVEL", &c.Server.LogLevel)

	if v, ok := lookup("TOOLGATE_AUDIT_DB"); ok && v != "" {
		c.Audit.DBPath = v
		c.Audit.Enabled = true
	}
	if v, ok := lookup("TOOLGATE_ALLOWED_UIDS"); ok && v != "" {
		uids, err := parseUIDs(v)
		if err != nil {
			return fmt.Errorf("TOOLGATE_ALLOWED_UIDS: %w", err)
		}
		c.Security.AllowedUIDs = uids
	}
	return nil
}

func parseUIDs(s string) ([]int, error) {
	var uids []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		uid, err := strconv.Atoi(f)
		if err != nil || uid < 0 {
			return nil, fmt.Errorf("invalid uid %q", f)
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// Validate checks the config for values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Tools.Dir == "" {
		errs = append(errs, errors.New("tools.dir is required"))
	}
	if c.Tools.Workspace == "" {
		errs = append(errs, errors.New("tools.workspace is required"))
	} else if !filepath.IsAbs(c.Tools.Workspace) {
		errs = append(errs, fmt.Errorf("tools.workspace must be absolute, got %q", c.Tools.Workspace))
	}
	if _, err := c.SocketMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Instance != "" {
		if err := instance.ValidateID(c.Server.Instance); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Exec.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("exec.max_concurrent must not be negative, got %d", c.Exec.MaxConcurrent))
	}
	if _, err := ParseLogLevel(c.Server.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SocketMode parses Server.SocketMode.
func (c *Config) SocketMode() (os.FileMode, error) {
	if c.Server.SocketMode == "" {
		return 0o660, nil
	}
	m, err := strconv.ParseUint(c.Server.SocketMode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("server.socket_mode must be an octal permission, got %q", c.Server.SocketMode)
	}
	return os.FileMode(m), nil
}

// SocketPath resolves where the server listens: the explicit socket, else
// the instance socket for Instance or ProjectDir, else tool.sock in
// SocketDir.
func (c *Config) SocketPath() (string, error) {
	if c.Server.Socket != "" {
		return c.Server.Socket, nil
	}
	id := c.Server.Instance
	if id == "" && c.Server.ProjectDir != "" {
		var err error
		if id, err = instance.ID(c.Server.ProjectDir); err != nil {
			return "", err
		}
	}
	if id == "" {
		dir := c.Server.SocketDir
		if dir == "" {
			dir = instance.DefaultSocketDir
		}
		return filepath.Join(dir, "tool.sock"), nil
	}
	return instance.SocketPath(c.Server.SocketDir, id)
}
