package tools

import (
	"errors"
	"time"
)

// DefaultTimeout applies when a manifest does not set one.
const DefaultTimeout = 300 * time.Second

// Well-known file names inside a tool directory.
const (
	ManifestJSON = "tool.json"
	ManifestTOML = "tool.toml"
	SetupScript  = "setup.sh"
)

var (
	// ErrNotFound means no tool directory and no binary exist for a name.
	ErrNotFound = errors.New("tools: not found")
	// ErrInvalidName rejects names that could escape the tools directory.
	ErrInvalidName = errors.New("tools: invalid tool name")
	// ErrNoBinary means neither the manifest nor the probe paths yield a binary.
	ErrNoBinary = errors.New("tools: binary not found")
)

// Manifest is the optional per-tool descriptor (tool.json or tool.toml).
type Manifest struct {
	Binary  string `json:"binary" toml:"binary"`
	Timeout int    `json:"timeout" toml:"timeout"`
}

// Definition is one invocable tool as produced by a registry scan.
// Definitions are immutable once built; a rescan produces new ones.
type Definition struct {
	Name       string
	Dir        string // absolute path to tools.d/<name>
	Binary     string // absolute path to the real executable
	Timeout    time.Duration
	Manifest   string // file the config came from, empty when auto-detected
	Generation uint64
}
