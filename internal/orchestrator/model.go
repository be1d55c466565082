package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
)

// MMProjHint is the substring identifying vision-projector files, both in
// candidate URLs and when scanning a model directory.
const MMProjHint = "mmproj"

// ggufMagic is the header every GGUF file opens with.
var ggufMagic = []byte("GGUF")

// runModel downloads a weights file plus an opportunistically resolved
// vision projector. The projector is resolved first, trying the quant's
// own source and then the base source, and its presence or absence is
// persisted in the per-model manifest so future sessions skip re-probing.
// Projector failures are best-effort and never fail the weights.
func (o *Orchestrator) runModel(ctx context.Context) Outcome {
	weights := o.spec.Primary()

	if out, ok := o.resolveProjector(ctx); !ok {
		// Pause or cancel arrived while probing; surface it unchanged.
		return out
	}

	out := o.downloadPart(ctx, weights)
	if out.Kind != OutcomeFinished {
		if out.Kind == OutcomeFailed {
			return o.fail(out.Err)
		}
		return out
	}

	if err := o.Finalize(ctx); err != nil {
		return o.fail(domain.PermanentError("%v", err))
	}
	return Outcome{Kind: OutcomeFinished}
}

// resolveProjector probes the candidate sources for a projector and
// downloads the first hit. Returns ok=false only when the run itself must
// stop (pause/cancel); every projector-side failure resolves to "absent".
func (o *Orchestrator) resolveProjector(ctx context.Context) (Outcome, bool) {
	id := o.spec.Identity

	manifest := o.deps.Store.ReadManifest(id)
	if manifest.MMProjChecked {
		if manifest.MMProj != nil {
			o.adoptExistingProjector(*manifest.MMProj)
		}
		return Outcome{}, true
	}
	if len(o.spec.ProjectorCandidates) == 0 {
		return Outcome{}, true
	}

	for _, candidate := range o.spec.ProjectorCandidates {
		size, ok := o.probeProjector(ctx, candidate)
		if !ok {
			if ctx.Err() != nil {
				return o.interruption(ctx), false
			}
			continue
		}

		name := projectorFileName(candidate)
		out := o.downloadPart(ctx, domain.FileSpec{Name: name, URL: candidate, Size: size})
		switch out.Kind {
		case OutcomePaused, OutcomeCancelled:
			return out, false
		case OutcomeRetry, OutcomeFailed:
			// Best-effort: drop the projector part and move on. A network
			// error leaves the manifest unchecked so a later session
			// re-probes.
			o.dropPart(name)
			if out.Kind == OutcomeFailed {
				o.deps.Store.Remove(id, name)
				o.writeManifestChecked(nil)
			}
			return Outcome{}, true
		}

		if err := o.validateProjector(name); err != nil {
			o.log.Warn("projector rejected", "part", name, "error", err)
			o.dropPart(name)
			o.deps.Store.Remove(id, name)
			o.writeManifestChecked(nil)
			return Outcome{}, true
		}

		o.log.Info("projector resolved", "part", name, "size", humanize.Bytes(uint64(size)))
		o.writeManifestChecked(&name)
		return Outcome{}, true
	}

	// Every candidate came up empty: record the absence.
	o.writeManifestChecked(nil)
	return Outcome{}, true
}

// probeProjector HEADs one candidate through the rate-limited scheduler.
func (o *Orchestrator) probeProjector(ctx context.Context, candidate string) (int64, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := o.deps.Scheduler.Request(probeCtx, http.MethodHead, candidate, nil, "head:"+candidate)
	if err != nil || !resp.OK() {
		return 0, false
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return size, true
}

// validateProjector checks the downloaded file opens with the GGUF magic.
func (o *Orchestrator) validateProjector(name string) error {
	final := o.deps.Store.FinalPath(o.spec.Identity, name)
	f, err := os.Open(final)
	if err != nil {
		return fmt.Errorf("open projector: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(ggufMagic))
	if _, err := f.Read(header); err != nil {
		return fmt.Errorf("read projector header: %w", err)
	}
	if !bytes.Equal(header, ggufMagic) {
		return fmt.Errorf("bad magic bytes %q", header)
	}
	return nil
}

// adoptExistingProjector registers a projector recorded by a previous
// session, counting its on-disk bytes as already written.
func (o *Orchestrator) adoptExistingProjector(name string) {
	size, ok := o.deps.Store.Size(o.deps.Store.FinalPath(o.spec.Identity, name))
	if !ok {
		return
	}
	o.sink.Update(o.spec.Identity, func(it *domain.Item) {
		p := it.Part(name)
		p.Written = size
		p.Expected = size
		p.Progress = 1
		it.Recompute()
	})
}

// dropPart removes a sub-part from the Item so best-effort failures do not
// pin the overall fraction below 1.
func (o *Orchestrator) dropPart(name string) {
	o.sink.Update(o.spec.Identity, func(it *domain.Item) {
		delete(it.Parts, name)
		it.Recompute()
	})
}

func (o *Orchestrator) writeManifestChecked(mmproj *string) {
	m := o.deps.Store.ReadManifest(o.spec.Identity)
	m.Weights = o.spec.Primary().Name
	m.MMProj = mmproj
	m.MMProjChecked = true
	if err := o.deps.Store.WriteManifest(o.spec.Identity, m); err != nil {
		o.log.Warn("manifest write failed", "error", err)
	}
}

// interruption maps a cancelled context onto a pause or cancel outcome.
func (o *Orchestrator) interruption(ctx context.Context) Outcome {
	switch context.Cause(ctx) {
	case domain.ErrPaused:
		return Outcome{Kind: OutcomePaused}
	default:
		return Outcome{Kind: OutcomeCancelled}
	}
}

// projectorFileName derives the part name from the candidate URL.
func projectorFileName(candidate string) string {
	u, err := url.Parse(candidate)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return MMProjHint + ".gguf"
	}
	return path.Base(u.Path)
}

// ProjectorAccounted reports whether the model's projector needs no
// further bytes: absent, present on disk, or fully accounted for in
// written bytes. Used by the background sweep before finalizing.
func (o *Orchestrator) ProjectorAccounted(it *domain.Item) bool {
	for name, p := range it.Parts {
		if name == o.spec.Primary().Name || !isProjectorName(name) {
			continue
		}
		if _, ok := o.deps.Store.Size(o.deps.Store.FinalPath(o.spec.Identity, name)); ok {
			continue
		}
		if p.Expected > 0 && p.Written >= p.Expected {
			continue
		}
		return false
	}
	return true
}

func isProjectorName(name string) bool {
	return strings.Contains(name, MMProjHint)
}
