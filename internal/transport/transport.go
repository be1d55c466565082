// Package transport performs the chunked byte transfer for one file and
// reports it as the typed event stream the orchestrators consume. The rest
// of the system only depends on the Transport interface, so tests (and any
// future OS-level background-transfer session) can substitute their own
// producer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
)

// Request describes one file transfer. Bytes stream into TempPath; the
// orchestrator promotes the temp file after the finished event.
type Request struct {
	URL      string
	TempPath string
	// Expected is the catalog size hint, 0 when unknown. The session's
	// Content-Length takes precedence once known.
	Expected int64
}

// Transport produces the event stream for one transfer. The channel is
// closed after a terminal event (paused, network_error, failed, cancelled
// or finished).
type Transport interface {
	Download(ctx context.Context, req Request) <-chan domain.Event
}

// progressInterval throttles progress events so consumers see at most ~10
// updates per second.
const progressInterval = 100 * time.Millisecond

const copyBufSize = 32 * 1024

// HTTP is the production Transport: a resumable ranged GET writing to the
// temp file.
type HTTP struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTP builds the HTTP transport. A nil client gets a default without a
// total-request timeout, since multi-gigabyte transfers legitimately run
// for hours; per-read stalls surface as network errors through the
// connection instead.
func NewHTTP(client *http.Client, logger *slog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{client: client, logger: logger}
}

// Download starts the transfer and returns its event stream.
func (t *HTTP) Download(ctx context.Context, req Request) <-chan domain.Event {
	events := make(chan domain.Event, 16)
	go func() {
		defer close(events)
		t.run(ctx, req, events)
	}()
	return events
}

func (t *HTTP) run(ctx context.Context, req Request, events chan<- domain.Event) {
	var offset int64
	if info, err := os.Stat(req.TempPath); err == nil {
		offset = info.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		events <- domain.Event{Type: domain.EventFailed, Err: domain.PermanentError("create request: %v", err)}
		return
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.emitInterrupted(ctx, events, err, t.fraction(offset, req.Expected))
		return
	}
	defer resp.Body.Close()

	if de := domain.ClassifyStatus(resp.StatusCode); de != nil {
		events <- domain.Event{Type: errEventType(de), Err: de, Fraction: t.fraction(offset, req.Expected)}
		return
	}

	// A 200 on a ranged request means the server restarted from byte zero.
	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		offset = 0
	}

	expected := req.Expected
	if resp.ContentLength > 0 {
		expected = offset + resp.ContentLength
	}

	file, err := openTemp(req.TempPath, offset)
	if err != nil {
		events <- domain.Event{Type: domain.EventFailed, Err: domain.PermanentError("open temp file: %v", err)}
		return
	}
	defer file.Close()

	events <- domain.Event{Type: domain.EventStarted, Expected: expected}

	written, copyErr := t.copyLoop(ctx, file, resp.Body, offset, expected, events)

	if copyErr != nil {
		t.emitInterrupted(ctx, events, copyErr, t.fraction(written, expected))
		return
	}

	if err := file.Sync(); err != nil {
		events <- domain.Event{Type: domain.EventFailed, Err: domain.PermanentError("sync temp file: %v", err)}
		return
	}
	if expected > 0 && written < expected {
		// The connection ended cleanly but short: treat as transient.
		events <- domain.Event{
			Type:     domain.EventNetworkError,
			Err:      domain.NetworkError("transfer truncated at %d of %d bytes", written, expected),
			Fraction: t.fraction(written, expected),
		}
		return
	}

	events <- domain.Event{Type: domain.EventFinished, Bytes: written, Expected: written}
}

// copyLoop streams body to file, emitting throttled progress events and
// checking cancellation on every iteration so pause and cancel exit
// promptly.
func (t *HTTP) copyLoop(ctx context.Context, file *os.File, body io.Reader, offset, expected int64, events chan<- domain.Event) (int64, error) {
	buf := make([]byte, copyBufSize)
	written := offset
	lastEmit := time.Now()
	lastBytes := written

	for {
		select {
		case <-ctx.Done():
			return written, context.Cause(ctx)
		default:
		}

		nr, readErr := body.Read(buf)
		if nr > 0 {
			nw, writeErr := file.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, &writeFailure{writeErr}
			}
			if nw != nr {
				return written, &writeFailure{io.ErrShortWrite}
			}

			if now := time.Now(); now.Sub(lastEmit) >= progressInterval {
				dt := now.Sub(lastEmit).Seconds()
				events <- domain.Event{
					Type:     domain.EventProgress,
					Fraction: t.fraction(written, expected),
					Bytes:    written,
					Expected: expected,
					Speed:    float64(written-lastBytes) / dt,
				}
				lastEmit = now
				lastBytes = written
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

// writeFailure marks local filesystem errors so classification treats them
// as permanent even when wrapped around syscall errnos.
type writeFailure struct{ err error }

func (w *writeFailure) Error() string { return fmt.Sprintf("write temp file: %v", w.err) }

// emitInterrupted translates an interruption into the right terminal
// event: pause and cancel causes take precedence over the wrapped error.
func (t *HTTP) emitInterrupted(ctx context.Context, events chan<- domain.Event, err error, fraction float64) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, domain.ErrPaused) || errors.Is(err, domain.ErrPaused):
		events <- domain.Event{Type: domain.EventPaused, Fraction: fraction}
		return
	case errors.Is(cause, domain.ErrCancelled) || errors.Is(err, domain.ErrCancelled):
		events <- domain.Event{Type: domain.EventCancelled}
		return
	case ctx.Err() != nil && errors.Is(cause, context.Canceled):
		// Bare cancellation, e.g. process shutdown.
		events <- domain.Event{Type: domain.EventCancelled}
		return
	}

	var wf *writeFailure
	if errors.As(err, &wf) {
		events <- domain.Event{Type: domain.EventFailed, Err: domain.PermanentError("%v", wf)}
		return
	}

	de := domain.Classify(err)
	events <- domain.Event{Type: errEventType(de), Err: de, Fraction: fraction}
}

func errEventType(de *domain.DownloadError) domain.EventType {
	if de.Retryable() {
		return domain.EventNetworkError
	}
	return domain.EventFailed
}

func (t *HTTP) fraction(written, expected int64) float64 {
	if expected <= 0 {
		return 0
	}
	f := float64(written) / float64(expected)
	if f > 1 {
		f = 1
	}
	return f
}

func openTemp(path string, offset int64) (*os.File, error) {
	if offset > 0 {
		return os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	}
	return os.Create(path)
}
