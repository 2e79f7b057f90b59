package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Loader builds tool definitions from the tools root. Each subdirectory of
// the root is one tool.
type Loader struct {
	toolsDir   string
	searchDirs []string
	logger     *slog.Logger
}

// NewLoader creates a loader for toolsDir. Binaries not named by a manifest
// are probed for in searchDirs, in order; nil selects DefaultSearchDirs.
func NewLoader(toolsDir string, searchDirs []string, logger *slog.Logger) *Loader {
	if searchDirs == nil {
		searchDirs = DefaultSearchDirs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		toolsDir:   toolsDir,
		searchDirs: searchDirs,
		logger:     logger,
	}
}

// DefaultSearchDirs returns the directories probed for a tool's binary.
func DefaultSearchDirs() []string {
	return []string{"/usr/bin", "/usr/local/bin", "/bin"}
}

// Dir returns the tools root.
func (l *Loader) Dir() string {
	return l.toolsDir
}

// ValidName reports whether name can be used as a tool directory name.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00")
}

// LoadAll scans the tools root. Directories that fail to load are logged
// and skipped. A missing root yields no tools and no error.
func (l *Loader) LoadAll(gen uint64) ([]*Definition, error) {
	entries, err := os.ReadDir(l.toolsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Info("tools directory does not exist, skipping", "dir", l.toolsDir)
			return nil, nil
		}
		return nil, fmt.Errorf("read tools dir: %w", err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if !entry.IsDir() || !ValidName(entry.Name()) {
			continue
		}
		def, err := l.Load(entry.Name(), gen)
		if err != nil {
			l.logger.Warn("failed to load tool", "tool", entry.Name(), "error", err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Load builds the definition for a single tool directory. It returns
// ErrNotFound when tools.d/<name> does not exist.
func (l *Loader) Load(name string, gen uint64) (*Definition, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir := filepath.Join(l.toolsDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, dir)
	}

	source, manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	def := &Definition{
		Name:       name,
		Dir:        dir,
		Timeout:    DefaultTimeout,
		Manifest:   source,
		Generation: gen,
	}
	if manifest != nil {
		def.Binary = manifest.Binary
		if manifest.Timeout > 0 {
			def.Timeout = time.Duration(manifest.Timeout) * time.Second
		}
	}
	if def.Binary == "" {
		bin, err := l.ProbeBinary(name)
		if err != nil {
			return nil, err
		}
		def.Binary = bin
	}

	l.logger.Debug("loaded tool", "tool", name, "binary", def.Binary, "timeout", def.Timeout, "manifest", source)
	return def, nil
}

// ProbeBinary returns the first executable named name in the search dirs.
func (l *Loader) ProbeBinary(name string) (string, error) {
	for _, dir := range l.searchDirs {
		candidate := filepath.Join(dir, name)
		if IsExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s not in %s", ErrNoBinary, name, strings.Join(l.searchDirs, ", "))
}

// IsExecutable reports whether path is a regular file with an execute bit.
func IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
