// Package restrict locates the restriction wrapper, if any, that must run in
// place of a tool's real binary.
//
// A wrapper is an ordinary executable. It receives the original arguments
// positionally and the call context in TOOL_* environment variables, and
// either refuses (non-zero exit with a message on stderr) or execs the real
// binary itself. The resolver only finds wrappers; it never interprets them.
package restrict

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/clawinfra/toolgate/internal/tools"
)

// WrapperName is the base name of a tool-scoped wrapper inside tools.d/<name>.
const WrapperName = "restricted"

// Kind selects how a wrapper is launched.
type Kind int

const (
	// Exec runs the wrapper file directly.
	Exec Kind = iota
	// Python runs the wrapper through the Python interpreter.
	Python
	// Shell runs the wrapper through the shell.
	Shell
)

func (k Kind) String() string {
	switch k {
	case Python:
		return "python"
	case Shell:
		return "shell"
	default:
		return "exec"
	}
}

// Hook is a resolved wrapper.
type Hook struct {
	Path string
	Kind Kind
	// Scope is "tool" for tools.d/<name>/restricted* and "global" for the
	// shared restricted directory.
	Scope string

	interpreter string
}

// Argv returns the program and arguments that launch the wrapper with args.
func (h Hook) Argv(args []string) (string, []string) {
	if h.Kind == Exec {
		return h.Path, append([]string(nil), args...)
	}
	argv := make([]string, 0, len(args)+1)
	argv = append(argv, h.Path)
	argv = append(argv, args...)
	return h.interpreter, argv
}

// Resolver searches the tool directory and the shared restricted directory.
type Resolver struct {
	toolsDir      string
	restrictedDir string
	python        string
	shell         string
}

// NewResolver creates a resolver. Empty interpreters default to python3 and
// bash. An empty restrictedDir disables global wrappers.
func NewResolver(toolsDir, restrictedDir, python, shell string) *Resolver {
	if python == "" {
		python = "python3"
	}
	if shell == "" {
		shell = "bash"
	}
	return &Resolver{
		toolsDir:      toolsDir,
		restrictedDir: restrictedDir,
		python:        python,
		shell:         shell,
	}
}

type candidate struct {
	path  string
	scope string
}

// Candidates lists the wrapper paths for name in precedence order.
func (r *Resolver) Candidates(name string) []string {
	cs := r.candidates(name)
	paths := make([]string, len(cs))
	for i, c := range cs {
		paths[i] = c.path
	}
	return paths
}

func (r *Resolver) candidates(name string) []candidate {
	toolDir := filepath.Join(r.toolsDir, name)
	cs := []candidate{
		{filepath.Join(toolDir, WrapperName+".py"), "tool"},
		{filepath.Join(toolDir, WrapperName+".sh"), "tool"},
		{filepath.Join(toolDir, WrapperName), "tool"},
	}
	if r.restrictedDir != "" {
		cs = append(cs,
			candidate{filepath.Join(r.restrictedDir, name+".py"), "global"},
			candidate{filepath.Join(r.restrictedDir, name+".sh"), "global"},
			candidate{filepath.Join(r.restrictedDir, name), "global"},
		)
	}
	return cs
}

// FindOverride returns the first usable wrapper for name. Python wrappers
// only need to exist since they run through the interpreter; all others
// must be executable.
func (r *Resolver) FindOverride(name string) (Hook, bool) {
	if !tools.ValidName(name) {
		return Hook{}, false
	}
	for _, c := range r.candidates(name) {
		info, err := os.Stat(c.path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		kind := kindOf(c.path)
		if kind != Python && info.Mode().Perm()&0o111 == 0 {
			continue
		}
		return r.hook(c, kind), true
	}
	return Hook{}, false
}

func (r *Resolver) hook(c candidate, kind Kind) Hook {
	h := Hook{Path: c.path, Kind: kind, Scope: c.scope}
	switch kind {
	case Python:
		h.interpreter = r.python
	case Shell:
		h.interpreter = r.shell
	}
	return h
}

func kindOf(path string) Kind {
	switch {
	case strings.HasSuffix(path, ".py"):
		return Python
	case strings.HasSuffix(path, ".sh"):
		return Shell
	default:
		return Exec
	}
}
