package instance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestIDStable(t *testing.T) {
	dir := t.TempDir()
	a, err := ID(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ID(dir + "/./")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("ids differ for the same dir: %s vs %s", a, b)
	}
	if len(a) != IDLength {
		t.Errorf("id %q has length %d", a, len(a))
	}
	if err := ValidateID(a); err != nil {
		t.Errorf("derived id invalid: %v", err)
	}
}

func TestIDDistinct(t *testing.T) {
	a, _ := ID(t.TempDir())
	b, _ := ID(t.TempDir())
	if a == b {
		t.Errorf("different dirs share id %s", a)
	}
}

func TestIDFollowsSymlinks(t *testing.T) {
	target := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	a, _ := ID(target)
	b, _ := ID(link)
	if a != b {
		t.Errorf("symlink changed id: %s vs %s", a, b)
	}
}

func TestSocketPath(t *testing.T) {
	got, err := SocketPath("/var/run/tg", "1a2b3c4d")
	if err != nil {
		t.Fatal(err)
	}
	if want := "/var/run/tg/tool-1a2b3c4d.sock"; got != want {
		t.Errorf("SocketPath = %q, want %q", got, want)
	}
	got, _ = SocketPath("", "dev")
	if want := filepath.Join(DefaultSocketDir, "tool-dev.sock"); got != want {
		t.Errorf("default dir: %q, want %q", got, want)
	}
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"", "../x", "a/b", "UPPER", "sp ace", string(make([]byte, 65))} {
		if _, err := SocketPath("/tmp", id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("SocketPath(%q) accepted", id)
		}
	}
}
