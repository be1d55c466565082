package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
)

// InstallLog records finished artifacts in a JSON index so other
// components can discover what is installed without rescanning disk.
type InstallLog struct {
	mu        sync.Mutex
	file      string
	artifacts map[string]domain.InstalledArtifact
}

// NewInstallLog loads (or initializes) the index at filePath.
func NewInstallLog(filePath string) (*InstallLog, error) {
	log := &InstallLog{
		file:      filepath.Clean(filePath),
		artifacts: make(map[string]domain.InstalledArtifact),
	}

	data, err := os.ReadFile(log.file)
	if err != nil {
		if os.IsNotExist(err) {
			return log, nil
		}
		return nil, fmt.Errorf("read install log: %w", err)
	}
	if len(data) > 0 {
		var entries []domain.InstalledArtifact
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("unmarshal install log: %w", err)
		}
		for _, a := range entries {
			log.artifacts[a.Identity] = a
		}
	}
	return log, nil
}

// Install registers a finished artifact and persists the index.
func (l *InstallLog) Install(ctx context.Context, a domain.InstalledArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.artifacts[a.Identity] = a
	return l.persist()
}

// Installed reports whether an identity has been registered.
func (l *InstallLog) Installed(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.artifacts[identity]
	return ok
}

func (l *InstallLog) persist() error {
	entries := make([]domain.InstalledArtifact, 0, len(l.artifacts))
	for _, a := range l.artifacts {
		entries = append(entries, a)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal install log: %w", err)
	}

	tmp := l.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write install log: %w", err)
	}
	if err := os.Rename(tmp, l.file); err != nil {
		return fmt.Errorf("rename install log: %w", err)
	}
	return nil
}
