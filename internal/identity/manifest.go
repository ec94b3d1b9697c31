package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the optional per-workspace configuration file (.coordd.yaml)
// found at the workspace root. It can pin a project key and declare the
// path boundaries handed to agents at registration.
type Manifest struct {
	Project struct {
		Key           string `yaml:"key"`
		DefaultBranch string `yaml:"default_branch"`
	} `yaml:"project"`
	Boundaries struct {
		Allowed  []string `yaml:"allowed"`
		ReadOnly []string `yaml:"read_only"`
	} `yaml:"boundaries"`
}

// WorkspaceBoundaries describes where a registered agent may operate.
type WorkspaceBoundaries struct {
	RootPath      string   `json:"root_path"`
	AllowedPaths  []string `json:"allowed_paths,omitempty"`
	ReadOnlyPaths []string `json:"read_only_paths,omitempty"`
}

// LoadManifest reads the manifest from dir. A missing file is not an
// error: it returns (nil, nil).
func LoadManifest(dir, name string) (*Manifest, error) {
	if dir == "" || name == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("identity: parse manifest: %w", err)
	}
	return &m, nil
}

// BoundariesFor combines a resolution with an optional manifest into the
// workspace boundaries returned at registration.
func BoundariesFor(res Resolution, m *Manifest) WorkspaceBoundaries {
	b := WorkspaceBoundaries{RootPath: res.RootPath}
	if m != nil {
		b.AllowedPaths = m.Boundaries.Allowed
		b.ReadOnlyPaths = m.Boundaries.ReadOnly
	}
	return b
}
