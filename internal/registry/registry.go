// Package registry is the top-level owner of download state: the per-kind
// Item collections, the pause set and the task-handle map. All Item
// mutations funnel through the registry's write lock, and each identity's
// orchestrator goroutine is the only writer of its Item, so aggregate
// readers always see a consistent snapshot.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
	"github.com/veranemoloko/artifact-provisioner/internal/metrics"
	"github.com/veranemoloko/artifact-provisioner/internal/orchestrator"
)

// ErrNotFound is returned for operations on an unknown identity.
var ErrNotFound = errors.New("download not found")

// Options tunes registry timing. Zero values take the defaults.
type Options struct {
	// GraceFinished is how long a finished Item stays visible.
	GraceFinished time.Duration
	// GraceFailed is how long a permanently failed Item stays visible.
	GraceFailed time.Duration
	// BackoffCap bounds the exponential retry delay.
	BackoffCap time.Duration
	// SweepInterval paces the speed-staleness and background-completion
	// sweep.
	SweepInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.GraceFinished == 0 {
		o.GraceFinished = 3 * time.Second
	}
	if o.GraceFailed == 0 {
		o.GraceFailed = 5 * time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = time.Second
	}
}

// task is one running download attempt.
type task struct {
	attempt uuid.UUID
	cancel  context.CancelCauseFunc
}

// Registry maps identity → task handle / pause flag / Item and computes
// aggregate progress across every active orchestrator.
type Registry struct {
	deps orchestrator.Deps
	opts Options
	log  *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.RWMutex
	items  map[domain.Kind]map[string]*domain.Item
	paused map[string]struct{}
	tasks  map[string]*task
	specs  map[string]domain.DownloadSpec
	orchs  map[string]*orchestrator.Orchestrator
}

// New wires a registry. Going offline cancels queued scheduler work so
// metadata waiters do not pile up against a dead origin.
func New(deps orchestrator.Deps, opts Options) *Registry {
	opts.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		deps:       deps,
		opts:       opts,
		log:        logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		items:      make(map[domain.Kind]map[string]*domain.Item),
		paused:     make(map[string]struct{}),
		tasks:      make(map[string]*task),
		specs:      make(map[string]domain.DownloadSpec),
		orchs:      make(map[string]*orchestrator.Orchestrator),
	}
	for _, kind := range domain.Kinds {
		r.items[kind] = make(map[string]*domain.Item)
	}

	if deps.Net != nil && deps.Scheduler != nil {
		deps.Net.OnOffline(deps.Scheduler.CancelAll)
	}
	return r
}

// Close stops all running work.
func (r *Registry) Close() {
	r.baseCancel()
}

// Start begins (or resumes) the download described by spec. Idempotent:
// a no-op while a task is already registered for the identity.
func (r *Registry) Start(spec domain.DownloadSpec) error {
	r.mu.Lock()
	if _, running := r.tasks[spec.Identity]; running {
		r.mu.Unlock()
		return nil
	}

	it, exists := r.items[spec.Kind][spec.Identity]
	if exists && it.Completed {
		r.mu.Unlock()
		return nil
	}
	if !exists {
		it = domain.NewItem(spec.Identity, spec.Kind)
		r.items[spec.Kind][spec.Identity] = it
		metrics.DownloadsStarted.Inc()
	}

	orch, ok := r.orchs[spec.Identity]
	if !ok {
		orch = orchestrator.New(r.deps, r, spec)
		r.orchs[spec.Identity] = orch
	}
	r.specs[spec.Identity] = spec

	ctx, cancel := context.WithCancelCause(r.baseCtx)
	t := &task{attempt: uuid.New(), cancel: cancel}
	r.tasks[spec.Identity] = t
	r.mu.Unlock()

	metrics.ActiveDownloads.Inc()
	go r.run(ctx, t, orch, spec)
	return nil
}

// run executes one download attempt and routes its terminal disposition.
func (r *Registry) run(ctx context.Context, t *task, orch *orchestrator.Orchestrator, spec domain.DownloadSpec) {
	defer metrics.ActiveDownloads.Dec()

	log := r.log.With("identity", spec.Identity, "attempt", t.attempt)
	out := orch.Run(ctx)
	r.clearTask(spec.Identity, t)

	switch out.Kind {
	case orchestrator.OutcomeFinished:
		metrics.DownloadsCompleted.Inc()
		log.Info("download finished")
		r.scheduleRemoval(spec.Identity, r.opts.GraceFinished)

	case orchestrator.OutcomeFailed:
		metrics.DownloadsFailed.Inc()
		msg := "download failed"
		if out.Err != nil {
			msg = out.Err.Message
		}
		r.Update(spec.Identity, func(it *domain.Item) {
			it.Error = msg
			it.Speed = 0
		})
		log.Warn("download failed permanently", "error", msg)
		r.scheduleRemoval(spec.Identity, r.opts.GraceFailed)

	case orchestrator.OutcomePaused:
		log.Info("download paused")

	case orchestrator.OutcomeCancelled:
		// Cleanup ran in Cancel (or the process is shutting down).

	case orchestrator.OutcomeRetry:
		metrics.DownloadRetries.Inc()
		var retries int
		r.Update(spec.Identity, func(it *domain.Item) { retries = it.Retries })
		log.Warn("download interrupted, will retry",
			"error", out.Err,
			"retries", retries)
		go r.retryLater(spec, retries)
	}
}

// retryLater waits the exponential backoff, then blocks until
// connectivity is restored (event-driven, not polled), then re-invokes
// Start for the same identity.
func (r *Registry) retryLater(spec domain.DownloadSpec, retries int) {
	backoff := time.Duration(1) * time.Second
	for i := 0; i < retries && backoff < r.opts.BackoffCap; i++ {
		backoff *= 2
	}
	if backoff > r.opts.BackoffCap {
		backoff = r.opts.BackoffCap
	}

	if err := sleepCtx(r.baseCtx, backoff); err != nil {
		return
	}
	if err := r.deps.Net.WaitOnline(r.baseCtx); err != nil {
		return
	}

	r.mu.RLock()
	_, paused := r.paused[spec.Identity]
	_, exists := r.specs[spec.Identity]
	r.mu.RUnlock()
	if !exists || paused {
		return
	}
	r.Start(spec)
}

// Pause halts an identity's transfer while preserving its temp file. The
// task handle is cleared so Resume starts a fresh task from the resume
// offset.
func (r *Registry) Pause(identity string) error {
	r.mu.Lock()
	if _, ok := r.lookupLocked(identity); !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.paused[identity] = struct{}{}
	t := r.tasks[identity]
	r.mu.Unlock()

	if t != nil {
		t.cancel(domain.ErrPaused)
	}
	return nil
}

// Resume restarts a paused identity from its on-disk offset.
func (r *Registry) Resume(identity string) error {
	r.mu.Lock()
	spec, ok := r.specs[identity]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.paused, identity)
	r.mu.Unlock()

	return r.Start(spec)
}

// Cancel tears an identity down: cancels the task handle, aggressively
// deletes both temp and final files for every sub-part, and removes the
// identity from every kind's collection. Callers pass a bare string, so
// all collections are checked.
func (r *Registry) Cancel(identity string) error {
	r.mu.Lock()
	t := r.tasks[identity]
	delete(r.tasks, identity)
	_, hadSpec := r.specs[identity]
	delete(r.specs, identity)
	delete(r.orchs, identity)
	delete(r.paused, identity)

	found := hadSpec || t != nil
	for _, kind := range domain.Kinds {
		if _, ok := r.items[kind][identity]; ok {
			delete(r.items[kind], identity)
			found = true
		}
	}
	r.mu.Unlock()

	if !found {
		return ErrNotFound
	}

	if t != nil {
		t.cancel(domain.ErrCancelled)
	}
	r.deps.Speed.Forget(identity)
	if err := r.deps.Store.RemoveAll(identity); err != nil {
		r.log.Warn("cancel cleanup failed", "identity", identity, "error", err)
	}
	metrics.DownloadsCancelled.Inc()
	r.log.Info("download cancelled", "identity", identity)
	return nil
}

// Get returns a snapshot of one Item.
func (r *Registry) Get(identity string) (*domain.Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.lookupLocked(identity)
	if !ok {
		return nil, false
	}
	return it.Clone(), true
}

// Snapshot computes one overall progress across every active download of
// every kind, each weighted by its best-known expected bytes (nominal
// weight of one unit when entirely unknown), plus the all-complete
// predicate.
func (r *Registry) Snapshot() domain.AggregateSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := domain.AggregateSnapshot{AllComplete: true}
	var weightSum, weighted float64
	for _, kind := range domain.Kinds {
		for _, it := range r.items[kind] {
			clone := it.Clone()
			snap.Items = append(snap.Items, clone)

			w := float64(it.TotalExpected())
			if w <= 0 {
				w = 1
			}
			weighted += w * clone.Progress
			weightSum += w
			if !clone.Completed {
				snap.AllComplete = false
			}
		}
	}
	if weightSum > 0 {
		snap.Progress = weighted / weightSum
	} else {
		snap.Progress = 1
	}
	return snap
}

// Update implements orchestrator.Sink: runs fn on the identity's Item
// under the write lock. Unknown identities are ignored (the Item may have
// been removed while an event was in flight).
func (r *Registry) Update(identity string, fn func(*domain.Item)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.lookupLocked(identity); ok {
		fn(it)
	}
}

// lookupLocked finds an identity in any kind's collection.
func (r *Registry) lookupLocked(identity string) (*domain.Item, bool) {
	for _, kind := range domain.Kinds {
		if it, ok := r.items[kind][identity]; ok {
			return it, true
		}
	}
	return nil, false
}

// clearTask removes the task handle if it still belongs to this attempt.
func (r *Registry) clearTask(identity string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[identity]; ok && cur == t {
		delete(r.tasks, identity)
	}
}

// scheduleRemoval drops the Item from observable state after the grace
// delay, so the terminal status is visible before disappearing.
func (r *Registry) scheduleRemoval(identity string, after time.Duration) {
	time.AfterFunc(after, func() { r.remove(identity) })
}

func (r *Registry) remove(identity string) {
	r.mu.Lock()
	for _, kind := range domain.Kinds {
		delete(r.items[kind], identity)
	}
	delete(r.specs, identity)
	delete(r.orchs, identity)
	delete(r.paused, identity)
	r.mu.Unlock()

	r.deps.Speed.Forget(identity)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
