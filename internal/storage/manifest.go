package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestName is the per-model sidecar recording which auxiliary files
// are present, so future sessions skip re-probing.
const ManifestName = "manifest.json"

// Manifest is the fixed, all-optional-fields schema of the sidecar. Older
// or partial manifests decode cleanly; absent fields read as unknown.
type Manifest struct {
	Weights       string  `json:"weights,omitempty"`
	MMProj        *string `json:"mmproj"`
	MMProjChecked bool    `json:"mmprojChecked,omitempty"`
}

// ReadManifest loads the identity's manifest. A missing or unreadable
// manifest is tolerated and returned as the zero value, meaning "unknown,
// re-probe".
func (s *ArtifactStore) ReadManifest(identity string) Manifest {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(s.Dir(identity), ManifestName))
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}
	}
	return m
}

// WriteManifest persists the identity's manifest atomically.
func (s *ArtifactStore) WriteManifest(identity string, m Manifest) error {
	if err := s.EnsureDir(identity); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(s.Dir(identity), ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
