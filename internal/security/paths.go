package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// validatePath checks dir against the forbidden list and, when
// workspaceOnly is set, requires it to be inside workspace or one of the
// allowed roots. Symlinks are resolved first so a link inside the
// workspace cannot point out of it.
func validatePath(dir, workspace string, forbidden, allowedRoots []string, workspaceOnly bool) error {
	if strings.ContainsRune(dir, 0) {
		return fmt.Errorf("path contains null byte")
	}
	resolved, err := canonical(dir)
	if err != nil {
		return err
	}

	for _, f := range forbidden {
		root, err := canonical(expandHome(f))
		if err != nil {
			continue
		}
		if isSubpath(resolved, root) {
			return fmt.Errorf("cwd %q is within forbidden path %q", dir, f)
		}
	}

	if !workspaceOnly {
		return nil
	}
	for _, r := range append([]string{workspace}, allowedRoots...) {
		root, err := canonical(r)
		if err != nil {
			continue
		}
		if isSubpath(resolved, root) {
			return nil
		}
	}
	return fmt.Errorf("cwd %q is outside workspace %q", dir, workspace)
}

// canonical returns the absolute, symlink-resolved form of path. A path
// that does not exist yet is resolved through its parent.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return abs, nil
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return abs, nil
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// isSubpath reports whether child is parent or inside it.
func isSubpath(child, parent string) bool {
	if child == parent {
		return true
	}
	if parent == string(filepath.Separator) {
		return strings.HasPrefix(child, parent)
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
