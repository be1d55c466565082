package domain

import (
	"time"
)

// Kind identifies the shape of one downloadable artifact.
type Kind string

const (
	// KindModel is a GGUF weights file plus an optional vision projector.
	KindModel Kind = "model"
	// KindBundle is a multi-file SLM bundle addressed by slug.
	KindBundle Kind = "bundle"
	// KindDataset is a multi-file dataset fetched file by file.
	KindDataset Kind = "dataset"
	// KindEmbedder is a single-file embedding model whose size is resolved
	// with a HEAD probe.
	KindEmbedder Kind = "embedder"
)

// Kinds lists every artifact kind, in the order collections are scanned.
var Kinds = []Kind{KindModel, KindBundle, KindDataset, KindEmbedder}

// Part tracks one physically distinct file within an artifact.
type Part struct {
	Name     string  `json:"name"`
	Written  int64   `json:"written"`
	Expected int64   `json:"expected"`
	Progress float64 `json:"progress"`
}

// Item is the observable state of one logical download. It is created on
// Start, mutated only by its owning orchestrator goroutine, and removed a
// grace delay after reaching a terminal state.
type Item struct {
	Identity  string           `json:"identity"`
	Kind      Kind             `json:"kind"`
	Progress  float64          `json:"progress"`
	Speed     float64          `json:"speed"`
	Completed bool             `json:"completed"`
	Error     string           `json:"error,omitempty"`
	Retries   int              `json:"retries"`
	Parts     map[string]*Part `json:"parts"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewItem returns an Item with an empty part map.
func NewItem(identity string, kind Kind) *Item {
	now := time.Now()
	return &Item{
		Identity:  identity,
		Kind:      kind,
		Parts:     make(map[string]*Part),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Part returns the named part, creating it if absent.
func (it *Item) Part(name string) *Part {
	p, ok := it.Parts[name]
	if !ok {
		p = &Part{Name: name}
		it.Parts[name] = p
	}
	return p
}

// TotalWritten sums written bytes across all parts.
func (it *Item) TotalWritten() int64 {
	var n int64
	for _, p := range it.Parts {
		n += p.Written
	}
	return n
}

// TotalExpected sums expected bytes across all parts.
func (it *Item) TotalExpected() int64 {
	var n int64
	for _, p := range it.Parts {
		n += p.Expected
	}
	return n
}

// Recompute derives the overall fraction from part byte counts. The value
// is recomputed from scratch on every update because expected sizes can
// grow as better Content-Length information arrives. While the download is
// active the fraction is clamped below 1; exactly 1 is reserved for
// Completed items.
func (it *Item) Recompute() {
	if it.Completed {
		it.Progress = 1
		return
	}
	expected := it.TotalExpected()
	if expected <= 0 {
		return
	}
	p := float64(it.TotalWritten()) / float64(expected)
	if p > activeProgressCeiling {
		p = activeProgressCeiling
	}
	if p > it.Progress {
		it.Progress = p
	}
	it.UpdatedAt = time.Now()
}

// activeProgressCeiling keeps in-flight items strictly below 1.0; only a
// terminal finish sets progress to exactly 1.
const activeProgressCeiling = 0.999

// Clone returns a deep copy safe to hand to readers.
func (it *Item) Clone() *Item {
	cp := *it
	cp.Parts = make(map[string]*Part, len(it.Parts))
	for name, p := range it.Parts {
		pc := *p
		cp.Parts[name] = &pc
	}
	return &cp
}

// InstalledArtifact describes a finished artifact handed to the installer.
type InstalledArtifact struct {
	Identity string    `json:"identity"`
	Kind     Kind      `json:"kind"`
	Path     string    `json:"path"`
	Bytes    int64     `json:"bytes"`
	Time     time.Time `json:"time"`
}
