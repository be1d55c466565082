// Package reconcile computes authoritative byte counts for one sub-part
// by combining in-memory counters with on-disk probes. Any single signal
// can be stale: a session under-reports bytes already on disk after a
// resume, and a probe misses bytes buffered but not yet flushed. So the
// reconciler always takes the most optimistic written count and never lets
// expected shrink below it.
package reconcile

// Prober abstracts filesystem size probes.
type Prober interface {
	// Size reports a path's byte size, and whether it exists.
	Size(path string) (int64, bool)
	// ScanDir finds a file in dir whose name contains substr.
	ScanDir(dir, substr string) (string, bool)
}

// PartState is everything known about one sub-part at reconcile time.
type PartState struct {
	// TempPath and FinalPath are the part's on-disk locations; the temp
	// (in-progress) file is preferred when both exist.
	TempPath  string
	FinalPath string

	// MemWritten is the in-memory session counter.
	MemWritten int64
	// Expected is the best-known expected size, 0 when unknown.
	Expected int64

	// Dir and NameHint drive the companion fallback: when neither path
	// probes and NameHint is set, the directory is scanned for a matching
	// name before giving up.
	Dir      string
	NameHint string
}

// Account returns the authoritative (written, expected) pair for one
// sub-part. It is pure and idempotent given the current disk and memory
// state: written = max(probe, memory counter), expected = max(expected,
// written).
func Account(p Prober, st PartState) (written, expected int64) {
	probe, found := p.Size(st.TempPath)
	if !found {
		probe, found = p.Size(st.FinalPath)
	}
	if !found && st.NameHint != "" && st.Dir != "" {
		if path, ok := p.ScanDir(st.Dir, st.NameHint); ok {
			probe, _ = p.Size(path)
		}
	}

	written = st.MemWritten
	if probe > written {
		written = probe
	}

	expected = st.Expected
	if written > expected {
		expected = written
	}
	return written, expected
}
