package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempSuffix marks an in-progress file alongside its final path. Its
// presence is the primary resume signal.
const TempSuffix = ".download"

// ArtifactStore manages the on-disk layout: one directory per identity,
// final files next to their <name>.download temporaries, plus a small
// per-model manifest.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates a store rooted at dir.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

// Dir returns the directory owned by one identity.
func (s *ArtifactStore) Dir(identity string) string {
	return filepath.Join(s.root, sanitize(identity))
}

// EnsureDir creates the identity's directory if missing.
func (s *ArtifactStore) EnsureDir(identity string) error {
	if err := os.MkdirAll(s.Dir(identity), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return nil
}

// FinalPath returns the installed location of one file.
func (s *ArtifactStore) FinalPath(identity, name string) string {
	return filepath.Join(s.Dir(identity), sanitize(name))
}

// TempPath returns the in-progress location of one file.
func (s *ArtifactStore) TempPath(identity, name string) string {
	return s.FinalPath(identity, name) + TempSuffix
}

// Size probes a path, reporting its byte size and whether it exists as a
// regular file.
func (s *ArtifactStore) Size(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// ScanDir looks for a file in dir whose name contains substr. Used as a
// last resort when a companion file's exact name is unknown.
func (s *ArtifactStore) ScanDir(dir, substr string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.Contains(entry.Name(), substr) {
			return filepath.Join(dir, entry.Name()), true
		}
	}
	return "", false
}

// Promote renames a completed temp file onto its final path. Promoting an
// already-promoted file is a no-op.
func (s *ArtifactStore) Promote(identity, name string) error {
	temp := s.TempPath(identity, name)
	final := s.FinalPath(identity, name)
	if _, ok := s.Size(temp); !ok {
		if _, ok := s.Size(final); ok {
			return nil
		}
		return fmt.Errorf("promote %s: no temp or final file", name)
	}
	if err := os.Rename(temp, final); err != nil {
		return fmt.Errorf("promote %s: %w", name, err)
	}
	return nil
}

// Remove deletes both the temp and final file for one part.
func (s *ArtifactStore) Remove(identity, name string) {
	os.Remove(s.TempPath(identity, name))
	os.Remove(s.FinalPath(identity, name))
}

// RemoveAll deletes the identity's whole directory.
func (s *ArtifactStore) RemoveAll(identity string) error {
	return os.RemoveAll(s.Dir(identity))
}

// sanitize flattens path separators so catalog identities like
// "org/model" map onto a single directory level.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	return strings.ReplaceAll(name, string(filepath.Separator), "_")
}
