// Package orchestrator owns one logical download's state machine. An
// orchestrator drives its artifact's sub-part transfers through the
// transport collaborator, folds the event stream into the observable Item
// via the byte reconciler and speed estimator, and classifies failures
// into the retryable/permanent taxonomy for the registry to act on.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
	"github.com/veranemoloko/artifact-provisioner/internal/metrics"
	"github.com/veranemoloko/artifact-provisioner/internal/netwatch"
	"github.com/veranemoloko/artifact-provisioner/internal/reconcile"
	"github.com/veranemoloko/artifact-provisioner/internal/scheduler"
	"github.com/veranemoloko/artifact-provisioner/internal/speed"
	"github.com/veranemoloko/artifact-provisioner/internal/storage"
	"github.com/veranemoloko/artifact-provisioner/internal/transport"
)

// Installer receives finished artifacts.
type Installer interface {
	Install(ctx context.Context, a domain.InstalledArtifact) error
}

// Sink is the registry-side surface an orchestrator mutates its Item
// through. Update runs fn under the registry's write lock, preserving the
// single-writer/consistent-snapshot discipline.
type Sink interface {
	Update(identity string, fn func(*domain.Item))
}

// Deps bundles the collaborators shared by every orchestrator.
type Deps struct {
	Store     *storage.ArtifactStore
	Transport transport.Transport
	Scheduler *scheduler.Scheduler
	Net       *netwatch.Monitor
	Speed     *speed.Estimator
	Installer Installer
	Logger    *slog.Logger
}

// OutcomeKind is how one Run ended.
type OutcomeKind int

const (
	// OutcomeFinished: all parts transferred and finalized.
	OutcomeFinished OutcomeKind = iota
	// OutcomeRetry: a retryable failure; the registry backs off, waits for
	// connectivity and re-invokes Start.
	OutcomeRetry
	// OutcomeFailed: a permanent failure; the Item shows the message and is
	// removed after the grace delay.
	OutcomeFailed
	// OutcomePaused: the transfer halted with its temp file preserved.
	OutcomePaused
	// OutcomeCancelled: the transfer was torn down.
	OutcomeCancelled
)

// Outcome is the terminal disposition of one Run.
type Outcome struct {
	Kind OutcomeKind
	Err  *domain.DownloadError
}

// probeTimeout bounds individual metadata probes so one slow origin
// cannot stall the pipeline.
const probeTimeout = 5 * time.Second

// Orchestrator runs one identity's download. The same instance is reused
// across retries and stays registered until the Item is removed, so the
// background-completion reconciler can finalize through it.
type Orchestrator struct {
	spec domain.DownloadSpec
	deps Deps
	sink Sink
	log  *slog.Logger

	finalizeMu sync.Mutex
	finalized  bool
}

// New builds an orchestrator for spec.
func New(deps Deps, sink Sink, spec domain.DownloadSpec) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		spec: spec,
		deps: deps,
		sink: sink,
		log:  logger.With("identity", spec.Identity, "kind", spec.Kind),
	}
}

// Identity returns the download's identity key.
func (o *Orchestrator) Identity() string { return o.spec.Identity }

// Kind returns the artifact kind.
func (o *Orchestrator) Kind() domain.Kind { return o.spec.Kind }

// Run executes the download until a terminal disposition. It is invoked
// once per attempt; the registry re-invokes it after backoff on
// OutcomeRetry and on resume after a pause.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	if err := o.deps.Store.EnsureDir(o.spec.Identity); err != nil {
		return o.fail(domain.PermanentError("%v", err))
	}

	switch o.spec.Kind {
	case domain.KindModel:
		return o.runModel(ctx)
	case domain.KindBundle:
		return o.runBundle(ctx)
	case domain.KindDataset:
		return o.runDataset(ctx)
	case domain.KindEmbedder:
		return o.runEmbedder(ctx)
	default:
		return o.fail(domain.PermanentError("unknown artifact kind %q", o.spec.Kind))
	}
}

// seedPart registers a part on the Item with reconciled on-disk state, so
// a resumed session immediately reports the bytes it already holds.
func (o *Orchestrator) seedPart(file domain.FileSpec) (written, expected int64) {
	id := o.spec.Identity
	written, expected = reconcile.Account(o.deps.Store, reconcile.PartState{
		TempPath:   o.deps.Store.TempPath(id, file.Name),
		FinalPath:  o.deps.Store.FinalPath(id, file.Name),
		MemWritten: 0,
		Expected:   file.Size,
	})
	o.sink.Update(id, func(it *domain.Item) {
		p := it.Part(file.Name)
		if written > p.Written {
			p.Written = written
		}
		if expected > p.Expected {
			p.Expected = expected
		}
		it.Recompute()
	})
	return written, expected
}

// downloadPart transfers one file and applies its event stream to the
// Item. Returns the part's disposition; OutcomeFinished means the file is
// promoted to its final path.
func (o *Orchestrator) downloadPart(ctx context.Context, file domain.FileSpec) Outcome {
	id := o.spec.Identity
	temp := o.deps.Store.TempPath(id, file.Name)
	final := o.deps.Store.FinalPath(id, file.Name)

	written, expected := o.seedPart(file)

	// Fully on disk already, e.g. finished in a previous session.
	if _, ok := o.deps.Store.Size(final); ok {
		if _, tempLeft := o.deps.Store.Size(temp); !tempLeft && expected > 0 && written >= expected {
			o.completePart(file.Name, written)
			return Outcome{Kind: OutcomeFinished}
		}
	}

	start := time.Now()
	events := o.deps.Transport.Download(ctx, transport.Request{
		URL:      file.URL,
		TempPath: temp,
		Expected: expected,
	})

	for ev := range events {
		switch ev.Type {
		case domain.EventStarted:
			o.applyExpected(file.Name, ev.Expected)

		case domain.EventProgress:
			o.applyProgress(file, temp, final, ev)

		case domain.EventPaused:
			o.sink.Update(id, func(it *domain.Item) { it.Speed = 0 })
			return Outcome{Kind: OutcomePaused}

		case domain.EventNetworkError:
			o.deps.Net.Report(ev.Err)
			o.sink.Update(id, func(it *domain.Item) {
				it.Retries++
				it.Speed = 0
			})
			return Outcome{Kind: OutcomeRetry, Err: ev.Err}

		case domain.EventFailed:
			return Outcome{Kind: OutcomeFailed, Err: ev.Err}

		case domain.EventCancelled:
			return Outcome{Kind: OutcomeCancelled}

		case domain.EventFinished:
			o.deps.Net.Report(nil)
			if err := o.deps.Store.Promote(id, file.Name); err != nil {
				return Outcome{Kind: OutcomeFailed, Err: domain.PermanentError("%v", err)}
			}
			o.completePart(file.Name, ev.Bytes)
			metrics.BytesDownloaded.Add(float64(ev.Bytes - written))
			metrics.DownloadDuration.Observe(time.Since(start).Seconds())
			o.log.Info("part finished",
				"part", file.Name,
				"size", humanize.Bytes(uint64(ev.Bytes)))
			return Outcome{Kind: OutcomeFinished}
		}
	}

	// The stream ended without a terminal event; treat it like a dropped
	// connection so the finished-while-suspended reconciler or a retry can
	// recover it.
	return Outcome{Kind: OutcomeRetry, Err: domain.NetworkError("event stream ended without terminal event")}
}

// applyExpected folds a session-reported expected size into the part,
// never shrinking it below bytes already written.
func (o *Orchestrator) applyExpected(part string, sessionExpected int64) {
	if sessionExpected <= 0 {
		return
	}
	o.sink.Update(o.spec.Identity, func(it *domain.Item) {
		p := it.Part(part)
		p.Expected = sessionExpected
		if p.Expected < p.Written {
			p.Expected = p.Written
		}
		it.Recompute()
	})
}

// applyProgress reconciles a progress event against on-disk truth and
// commits the result. Written bytes prefer the larger of the session
// report and the disk probe; expected prefers the session's value over
// catalog metadata but never drops below written.
func (o *Orchestrator) applyProgress(file domain.FileSpec, temp, final string, ev domain.Event) {
	id := o.spec.Identity
	written, _ := reconcile.Account(o.deps.Store, reconcile.PartState{
		TempPath:   temp,
		FinalPath:  final,
		MemWritten: ev.Bytes,
	})
	smoothed := o.deps.Speed.Observe(id, file.Name, written, time.Now())

	o.sink.Update(id, func(it *domain.Item) {
		p := it.Part(file.Name)
		if written > p.Written {
			p.Written = written
		}
		if ev.Expected > 0 {
			p.Expected = ev.Expected
		}
		if p.Expected < p.Written {
			p.Expected = p.Written
		}
		if p.Expected > 0 {
			if f := float64(p.Written) / float64(p.Expected); f > p.Progress && f < 1 {
				p.Progress = f
			}
		}
		it.Speed = smoothed
		it.Recompute()
	})
}

// completePart marks one sub-part fully transferred.
func (o *Orchestrator) completePart(part string, bytes int64) {
	o.sink.Update(o.spec.Identity, func(it *domain.Item) {
		p := it.Part(part)
		if bytes > 0 {
			p.Written = bytes
			p.Expected = bytes
		} else if p.Expected < p.Written {
			p.Expected = p.Written
		}
		p.Progress = 1
		it.Recompute()
	})
}

// fail records a permanent error on the Item.
func (o *Orchestrator) fail(err *domain.DownloadError) Outcome {
	o.sink.Update(o.spec.Identity, func(it *domain.Item) {
		it.Error = err.Message
		it.Speed = 0
	})
	return Outcome{Kind: OutcomeFailed, Err: err}
}
