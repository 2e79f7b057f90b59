// Package instance names server instances. Each project directory maps to a
// short stable id, and each id to its own socket, so several projects can
// run side by side on one host.
package instance

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// IDLength is the number of hex characters in an instance id.
const IDLength = 8

// DefaultSocketDir is where instance sockets live when none is configured.
const DefaultSocketDir = "/run/toolgate"

// ErrInvalidID rejects ids that are not plain lowercase hex or word chars.
var ErrInvalidID = errors.New("instance: invalid id")

// ID derives the instance id for projectDir from its absolute,
// symlink-resolved path.
func ID(projectDir string) (string, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("instance: resolve %s: %w", projectDir, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	sum := blake2b.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:IDLength], nil
}

// SocketPath returns the socket for id under dir. An empty dir selects
// DefaultSocketDir.
func SocketPath(dir, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	if dir == "" {
		dir = DefaultSocketDir
	}
	return filepath.Join(dir, "tool-"+id+".sock"), nil
}

// ValidateID checks that id can be embedded in a file name.
func ValidateID(id string) error {
	if id == "" || len(id) > 64 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if strings.IndexFunc(id, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	}) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
