package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
	"github.com/veranemoloko/artifact-provisioner/internal/netwatch"
	"github.com/veranemoloko/artifact-provisioner/internal/scheduler"
	"github.com/veranemoloko/artifact-provisioner/internal/speed"
	"github.com/veranemoloko/artifact-provisioner/internal/storage"
	"github.com/veranemoloko/artifact-provisioner/internal/transport"
)

// memSink is a registry stand-in: one Item per identity, mutations
// serialized under a lock.
type memSink struct {
	mu    sync.Mutex
	items map[string]*domain.Item
}

func newMemSink() *memSink {
	return &memSink{items: make(map[string]*domain.Item)}
}

func (s *memSink) Update(identity string, fn func(*domain.Item)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[identity]
	if !ok {
		it = domain.NewItem(identity, domain.KindModel)
		s.items[identity] = it
	}
	fn(it)
}

func (s *memSink) item(identity string) *domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[identity]
	if !ok {
		return domain.NewItem(identity, domain.KindModel)
	}
	return it.Clone()
}

// recordingInstaller captures installed artifacts.
type recordingInstaller struct {
	mu        sync.Mutex
	artifacts []domain.InstalledArtifact
}

func (r *recordingInstaller) Install(_ context.Context, a domain.InstalledArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, a)
	return nil
}

func (r *recordingInstaller) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.artifacts)
}

// countingTransport wraps a real transport and counts Download calls.
type countingTransport struct {
	mu    sync.Mutex
	calls int
	inner transport.Transport
}

func (c *countingTransport) Download(ctx context.Context, req transport.Request) <-chan domain.Event {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.inner == nil {
		ch := make(chan domain.Event)
		close(ch)
		return ch
	}
	return c.inner.Download(ctx, req)
}

func (c *countingTransport) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDeps(t *testing.T, tr transport.Transport) (Deps, *recordingInstaller) {
	t.Helper()
	installer := &recordingInstaller{}
	return Deps{
		Store:     storage.NewArtifactStore(t.TempDir()),
		Transport: tr,
		Scheduler: scheduler.New(2, nil),
		Net:       netwatch.NewMonitor(discardLogger()),
		Speed:     speed.NewEstimator(),
		Installer: installer,
		Logger:    discardLogger(),
	}, installer
}

func TestSeedPart_AccountsResumeOffset(t *testing.T) {
	deps, _ := newDeps(t, nil)
	sink := newMemSink()
	o := New(deps, sink, domain.DownloadSpec{
		Identity: "m/resume",
		Kind:     domain.KindModel,
		Files:    []domain.FileSpec{{Name: "w.gguf", URL: "http://origin/w.gguf", Size: 100}},
	})

	require.NoError(t, deps.Store.EnsureDir("m/resume"))
	require.NoError(t, os.WriteFile(deps.Store.TempPath("m/resume", "w.gguf"), make([]byte, 40), 0o644))

	written, expected := o.seedPart(o.spec.Primary())

	assert.Equal(t, int64(40), written)
	assert.Equal(t, int64(100), expected)

	it := sink.item("m/resume")
	assert.Equal(t, int64(40), it.Parts["w.gguf"].Written)
	assert.InDelta(t, 0.4, it.Progress, 1e-9)
}

func TestDownloadPart_SkipsWhenAlreadyOnDisk(t *testing.T) {
	counting := &countingTransport{}
	deps, _ := newDeps(t, counting)
	sink := newMemSink()
	o := New(deps, sink, domain.DownloadSpec{
		Identity: "m/cached",
		Kind:     domain.KindModel,
		Files:    []domain.FileSpec{{Name: "w.gguf", URL: "http://origin/w.gguf", Size: 80}},
	})

	require.NoError(t, deps.Store.EnsureDir("m/cached"))
	require.NoError(t, os.WriteFile(deps.Store.FinalPath("m/cached", "w.gguf"), make([]byte, 80), 0o644))

	out := o.downloadPart(context.Background(), o.spec.Primary())

	assert.Equal(t, OutcomeFinished, out.Kind)
	assert.Zero(t, counting.callCount(), "a fully present file must not hit the network")
	assert.Equal(t, 1.0, sink.item("m/cached").Parts["w.gguf"].Progress)
}

func TestFinalize_RunsOnce(t *testing.T) {
	deps, installer := newDeps(t, nil)
	sink := newMemSink()
	o := New(deps, sink, domain.DownloadSpec{
		Identity: "m/once",
		Kind:     domain.KindEmbedder,
		Files:    []domain.FileSpec{{Name: "e.gguf", URL: "http://origin/e.gguf", Size: 16}},
	})

	require.NoError(t, deps.Store.EnsureDir("m/once"))
	require.NoError(t, os.WriteFile(deps.Store.TempPath("m/once", "e.gguf"), make([]byte, 16), 0o644))
	o.seedPart(o.spec.Primary())

	require.NoError(t, o.Finalize(context.Background()))
	require.NoError(t, o.Finalize(context.Background()))

	assert.Equal(t, 1, installer.count(), "racing finalizers must install exactly once")

	it := sink.item("m/once")
	assert.True(t, it.Completed)
	assert.Equal(t, 1.0, it.Progress)
	_, err := os.Stat(deps.Store.FinalPath("m/once", "e.gguf"))
	assert.NoError(t, err)
}

func TestFinalFilesPresent_TempWithAllBytesCounts(t *testing.T) {
	deps, _ := newDeps(t, nil)
	sink := newMemSink()
	o := New(deps, sink, domain.DownloadSpec{
		Identity: "m/pending",
		Kind:     domain.KindEmbedder,
		Files:    []domain.FileSpec{{Name: "e.gguf", URL: "http://origin/e.gguf", Size: 32}},
	})
	require.NoError(t, deps.Store.EnsureDir("m/pending"))

	it := domain.NewItem("m/pending", domain.KindEmbedder)
	p := it.Part("e.gguf")
	p.Expected = 32

	require.NoError(t, os.WriteFile(deps.Store.TempPath("m/pending", "e.gguf"), make([]byte, 16), 0o644))
	assert.False(t, o.FinalFilesPresent(it), "half a temp file is not done")

	require.NoError(t, os.WriteFile(deps.Store.TempPath("m/pending", "e.gguf"), make([]byte, 32), 0o644))
	assert.True(t, o.FinalFilesPresent(it), "a full temp file awaiting rename counts")
}

func TestMatchesPath(t *testing.T) {
	deps, _ := newDeps(t, nil)
	o := New(deps, newMemSink(), domain.DownloadSpec{
		Identity: "org/model",
		Kind:     domain.KindModel,
		Files:    []domain.FileSpec{{Name: "w.gguf", URL: "http://origin/w.gguf"}},
	})

	assert.True(t, o.MatchesPath(deps.Store.FinalPath("org/model", "w.gguf")))
	assert.True(t, o.MatchesPath(deps.Store.TempPath("org/model", "w.gguf")))
	assert.True(t, o.MatchesPath(deps.Store.Dir("org/model")+"/mmproj-f16.gguf"),
		"projector inside the model's own directory matches")
	assert.False(t, o.MatchesPath("/elsewhere/mmproj-f16.gguf"),
		"projector names outside the model directory must not match")
	assert.False(t, o.MatchesPath("/elsewhere/other.bin"))

	ds := New(deps, newMemSink(), domain.DownloadSpec{
		Identity: "ds/corpus",
		Kind:     domain.KindDataset,
		Files:    []domain.FileSpec{{Name: "a.csv", URL: "http://origin/a.csv"}},
	})
	assert.True(t, ds.MatchesPath(deps.Store.Dir("ds/corpus")),
		"dataset directory itself matches")
	assert.True(t, ds.MatchesPath(deps.Store.Dir("ds/corpus")+"/b.csv"),
		"any file landing in the dataset directory matches")
}

func TestResolveProjector_AdoptsManifestRecord(t *testing.T) {
	counting := &countingTransport{}
	deps, _ := newDeps(t, counting)
	sink := newMemSink()
	o := New(deps, sink, domain.DownloadSpec{
		Identity:            "org/seen-before",
		Kind:                domain.KindModel,
		Files:               []domain.FileSpec{{Name: "w.gguf", URL: "http://origin/w.gguf"}},
		ProjectorCandidates: []string{"http://origin/mmproj-f16.gguf"},
	})

	require.NoError(t, deps.Store.EnsureDir("org/seen-before"))
	projPath := deps.Store.FinalPath("org/seen-before", "mmproj-f16.gguf")
	require.NoError(t, os.WriteFile(projPath, append([]byte("GGUF"), make([]byte, 28)...), 0o644))
	name := "mmproj-f16.gguf"
	require.NoError(t, deps.Store.WriteManifest("org/seen-before", storage.Manifest{
		Weights:       "w.gguf",
		MMProj:        &name,
		MMProjChecked: true,
	}))

	_, ok := o.resolveProjector(context.Background())

	require.True(t, ok)
	assert.Zero(t, counting.callCount(), "a recorded projector must not be re-probed")
	it := sink.item("org/seen-before")
	require.Contains(t, it.Parts, "mmproj-f16.gguf")
	assert.Equal(t, 1.0, it.Parts["mmproj-f16.gguf"].Progress)
	assert.Equal(t, int64(32), it.Parts["mmproj-f16.gguf"].Written)
}

func TestResolveProjector_AbsenceRecordedAfterAllCandidatesMiss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	deps, _ := newDeps(t, nil)
	sink := newMemSink()
	o := New(deps, sink, domain.DownloadSpec{
		Identity:            "org/no-vision",
		Kind:                domain.KindModel,
		Files:               []domain.FileSpec{{Name: "w.gguf", URL: server.URL + "/w.gguf"}},
		ProjectorCandidates: []string{server.URL + "/mmproj-a.gguf", server.URL + "/mmproj-b.gguf"},
	})
	require.NoError(t, deps.Store.EnsureDir("org/no-vision"))

	_, ok := o.resolveProjector(context.Background())

	require.True(t, ok)
	m := deps.Store.ReadManifest("org/no-vision")
	assert.True(t, m.MMProjChecked)
	assert.Nil(t, m.MMProj)
	assert.Empty(t, sink.item("org/no-vision").Parts)
}

func TestRunDataset_NetworkErrorWinsOverSiblingCancellation(t *testing.T) {
	// a fails with a network error; b blocks until the errgroup cancels it.
	// The dataset's disposition must be the original retryable error, not
	// the sibling's cancellation.
	tr := &scriptedTransport{script: func(req transport.Request, ctx context.Context, ch chan<- domain.Event) {
		if req.URL == "http://origin/a.bin" {
			ch <- domain.Event{Type: domain.EventNetworkError, Err: domain.NetworkError("reset by peer")}
			return
		}
		<-ctx.Done()
		ch <- domain.Event{Type: domain.EventCancelled}
	}}

	deps, _ := newDeps(t, tr)
	sink := newMemSink()
	o := New(deps, sink, domain.DownloadSpec{
		Identity: "ds/flaky",
		Kind:     domain.KindDataset,
		Files: []domain.FileSpec{
			{Name: "a.bin", URL: "http://origin/a.bin", Size: 10},
			{Name: "b.bin", URL: "http://origin/b.bin", Size: 10},
		},
	})

	out := o.Run(context.Background())

	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.False(t, deps.Net.Online(), "the network error must be reported")
	assert.Equal(t, 1, sink.item("ds/flaky").Retries)
}

type scriptedTransport struct {
	script func(req transport.Request, ctx context.Context, ch chan<- domain.Event)
}

func (s *scriptedTransport) Download(ctx context.Context, req transport.Request) <-chan domain.Event {
	ch := make(chan domain.Event, 8)
	go func() {
		defer close(ch)
		s.script(req, ctx, ch)
	}()
	return ch
}

func TestProjectorFileName(t *testing.T) {
	assert.Equal(t, "mmproj-f16.gguf", projectorFileName("https://host/repo/mmproj-f16.gguf"))
	assert.Equal(t, "mmproj.gguf", projectorFileName("https://host/"))
}

func TestProjectorAccounted(t *testing.T) {
	deps, _ := newDeps(t, nil)
	o := New(deps, newMemSink(), domain.DownloadSpec{
		Identity: "org/vision",
		Kind:     domain.KindModel,
		Files:    []domain.FileSpec{{Name: "w.gguf", URL: "http://origin/w.gguf"}},
	})
	require.NoError(t, deps.Store.EnsureDir("org/vision"))

	it := domain.NewItem("org/vision", domain.KindModel)
	it.Part("w.gguf")
	assert.True(t, o.ProjectorAccounted(it), "no projector part means nothing to wait for")

	p := it.Part("mmproj-f16.gguf")
	p.Expected = 64
	assert.False(t, o.ProjectorAccounted(it), "a projector mid-transfer blocks finalization")

	p.Written = 64
	assert.True(t, o.ProjectorAccounted(it), "fully written bytes count even before rename")
}
