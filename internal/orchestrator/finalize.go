package orchestrator

import (
	"context"
	"path/filepath"
	"time"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
)

// Finalize runs the terminal completion steps: promote every temp file,
// mark all sub-parts complete, update the manifest, hand the artifact to
// the installer and flag the Item completed. It is idempotent: the real
// finished event, the 1 Hz background sweep and the out-of-band completion
// notification can all race onto the same identity, and whichever gets
// here first wins while the rest no-op. The registry reuses one
// orchestrator instance per identity, so the guard lives on it.
func (o *Orchestrator) Finalize(ctx context.Context) error {
	o.finalizeMu.Lock()
	defer o.finalizeMu.Unlock()
	if o.finalized {
		return nil
	}

	id := o.spec.Identity

	var total int64
	var partNames []string
	o.sink.Update(id, func(it *domain.Item) {
		for name := range it.Parts {
			partNames = append(partNames, name)
		}
	})

	for _, name := range partNames {
		if err := o.deps.Store.Promote(id, name); err != nil {
			// A projector that never fully arrived must not block the
			// weights; only the primary is load-bearing.
			if name == o.spec.Primary().Name {
				return err
			}
			o.log.Warn("auxiliary part not promoted", "part", name, "error", err)
			continue
		}
		if size, ok := o.deps.Store.Size(o.deps.Store.FinalPath(id, name)); ok {
			total += size
		}
	}

	o.sink.Update(id, func(it *domain.Item) {
		if it.Completed {
			return
		}
		for name, p := range it.Parts {
			if size, ok := o.deps.Store.Size(o.deps.Store.FinalPath(id, name)); ok {
				p.Written = size
				p.Expected = size
			} else if p.Expected < p.Written {
				p.Expected = p.Written
			}
			p.Progress = 1
		}
		it.Completed = true
		it.Error = ""
		it.Speed = 0
		it.Progress = 1
		it.UpdatedAt = time.Now()
	})

	if o.spec.Kind == domain.KindModel {
		m := o.deps.Store.ReadManifest(id)
		m.Weights = o.spec.Primary().Name
		if err := o.deps.Store.WriteManifest(id, m); err != nil {
			o.log.Warn("manifest write failed", "error", err)
		}
	}

	artifact := domain.InstalledArtifact{
		Identity: id,
		Kind:     o.spec.Kind,
		Path:     o.artifactPath(),
		Bytes:    total,
		Time:     time.Now(),
	}
	if err := o.deps.Installer.Install(ctx, artifact); err != nil {
		o.log.Warn("installer rejected artifact", "error", err)
	}

	o.deps.Speed.Forget(id)
	o.finalized = true
	o.log.Info("download finalized", "path", artifact.Path)
	return nil
}

// artifactPath is what gets handed to the installer: the primary file for
// single-artifact kinds, the directory for multi-file ones.
func (o *Orchestrator) artifactPath() string {
	switch o.spec.Kind {
	case domain.KindDataset, domain.KindBundle:
		return o.deps.Store.Dir(o.spec.Identity)
	default:
		return o.deps.Store.FinalPath(o.spec.Identity, o.spec.Primary().Name)
	}
}

// FinalFilesPresent reports whether everything the artifact needs is on
// disk, making the item eligible for background finalization. The item
// snapshot supplies the parts to check.
func (o *Orchestrator) FinalFilesPresent(it *domain.Item) bool {
	primary := o.spec.Primary().Name
	if _, ok := o.deps.Store.Size(o.deps.Store.FinalPath(o.spec.Identity, primary)); !ok {
		// The temp file may hold all the bytes with the rename still
		// pending; that counts, Finalize will promote it.
		temp, ok := o.deps.Store.Size(o.deps.Store.TempPath(o.spec.Identity, primary))
		p := it.Parts[primary]
		if !ok || p == nil || p.Expected == 0 || temp < p.Expected {
			return false
		}
	}

	switch o.spec.Kind {
	case domain.KindModel:
		return o.ProjectorAccounted(it)
	case domain.KindDataset, domain.KindBundle:
		for name, p := range it.Parts {
			if _, ok := o.deps.Store.Size(o.deps.Store.FinalPath(o.spec.Identity, name)); ok {
				continue
			}
			temp, ok := o.deps.Store.Size(o.deps.Store.TempPath(o.spec.Identity, name))
			if !ok || p.Expected == 0 || temp < p.Expected {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// MatchesPath reports whether an out-of-band completion notification for
// destPath belongs to this download: the weights' temp or final path
// first, then the projector by name, then (for datasets) the artifact
// directory itself.
func (o *Orchestrator) MatchesPath(destPath string) bool {
	id := o.spec.Identity
	base := filepath.Base(destPath)

	for _, file := range o.spec.Files {
		if base == filepath.Base(o.deps.Store.FinalPath(id, file.Name)) ||
			base == filepath.Base(o.deps.Store.TempPath(id, file.Name)) {
			return true
		}
	}
	if o.spec.Kind == domain.KindModel && isProjectorName(base) &&
		filepath.Dir(filepath.Clean(destPath)) == o.deps.Store.Dir(id) {
		return true
	}
	if o.spec.Kind == domain.KindDataset {
		if filepath.Clean(destPath) == o.deps.Store.Dir(id) ||
			filepath.Dir(filepath.Clean(destPath)) == o.deps.Store.Dir(id) {
			return true
		}
	}
	return false
}
