package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// readManifest loads the first manifest present in dir. It returns an empty
// name and nil manifest when the directory has none.
func readManifest(dir string) (string, *Manifest, error) {
	for _, name := range []string{ManifestJSON, ManifestTOML} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return name, nil, fmt.Errorf("read %s: %w", name, err)
		}

		var m Manifest
		switch name {
		case ManifestJSON:
			err = json.Unmarshal(data, &m)
		case ManifestTOML:
			_, err = toml.Decode(string(data), &m)
		}
		if err != nil {
			return name, nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := m.validate(); err != nil {
			return name, nil, fmt.Errorf("%s: %w", name, err)
		}
		return name, &m, nil
	}
	return "", nil, nil
}

func (m *Manifest) validate() error {
	if m.Binary != "" && !filepath.IsAbs(m.Binary) {
		return fmt.Errorf("binary must be an absolute path, got %q", m.Binary)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %d", m.Timeout)
	}
	return nil
}
