package registry

import (
	"context"
	"time"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
	"github.com/veranemoloko/artifact-provisioner/internal/metrics"
	"github.com/veranemoloko/artifact-provisioner/internal/orchestrator"
)

// completionThreshold is how close to done an item must report before the
// sweep consults the disk. Not 1.0: asymptotic progress can hover just
// below 1 when the finished event is lost.
const completionThreshold = 0.995

// RunSweeper drives the periodic reconciliation loop until ctx ends:
// zeroing stale speeds and finalizing transfers whose terminal event was
// lost after the bytes were already fully on disk. Call it from a
// dedicated goroutine.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	// Speed staleness: once an identity's last sample is too old, or it is
	// paused, its reported speed becomes exactly zero.
	zeroed := r.deps.Speed.Sweep(now, func(identity string) bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, paused := r.paused[identity]
		return paused
	})
	for _, identity := range zeroed {
		r.Update(identity, func(it *domain.Item) { it.Speed = 0 })
	}

	// Lost-completion recovery: near-done items whose files are on disk.
	type candidate struct {
		orch *orchestrator.Orchestrator
		it   *domain.Item
	}
	var candidates []candidate
	r.mu.RLock()
	for _, kind := range domain.Kinds {
		for identity, it := range r.items[kind] {
			if it.Completed || it.Progress < completionThreshold {
				continue
			}
			if orch, ok := r.orchs[identity]; ok {
				candidates = append(candidates, candidate{orch: orch, it: it.Clone()})
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range candidates {
		if !c.orch.FinalFilesPresent(c.it) {
			continue
		}
		if err := c.orch.Finalize(r.baseCtx); err != nil {
			r.log.Warn("background finalize failed",
				"identity", c.it.Identity,
				"error", err)
			continue
		}
		metrics.BackgroundFinalizations.Inc()
		r.log.Info("download finalized by sweep", "identity", c.it.Identity)
		r.scheduleRemoval(c.it.Identity, r.opts.GraceFinished)
	}
}

// HandleBackgroundCompletion is the out-of-band notification path: an
// OS-level background transfer finished after this process was suspended,
// delivering only a destination path with no orchestrator context. The
// path is matched against every active item's expected temp/final
// filenames, weights first, then projector, then dataset directories,
// and the matching download is finalized exactly as a finished event
// would have.
func (r *Registry) HandleBackgroundCompletion(destPath string) {
	var match *orchestrator.Orchestrator
	var matchedItem *domain.Item

	r.mu.RLock()
	for _, kind := range domain.Kinds {
		for identity, it := range r.items[kind] {
			if it.Completed {
				continue
			}
			orch, ok := r.orchs[identity]
			if !ok || !orch.MatchesPath(destPath) {
				continue
			}
			match = orch
			matchedItem = it.Clone()
			break
		}
		if match != nil {
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		r.log.Debug("background completion did not match any download", "path", destPath)
		return
	}

	if err := match.Finalize(r.baseCtx); err != nil {
		r.log.Warn("background completion finalize failed",
			"identity", matchedItem.Identity,
			"error", err)
		return
	}
	metrics.BackgroundFinalizations.Inc()
	r.log.Info("download finalized by background notification",
		"identity", matchedItem.Identity,
		"path", destPath)
	r.scheduleRemoval(matchedItem.Identity, r.opts.GraceFinished)
}
