// Package scheduler bounds and deduplicates outbound metadata requests to
// the shared artifact origin. Catalog and HEAD probes from every
// orchestrator funnel through one Scheduler so the origin sees at most N
// concurrent connections, identical concurrent requests collapse into a
// single round trip, and transient failures retry with backoff.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
)

const (
	// DefaultConcurrency is the permit count toward one origin.
	DefaultConcurrency = 2

	maxAttempts    = 5
	minRetryAfter  = 500 * time.Millisecond
	maxRetryAfter  = 10 * time.Second
	maxBackoff     = 8 * time.Second
	maxJitter      = 250 * time.Millisecond
	defaultTimeout = 30 * time.Second
)

// Response is the materialized result of one scheduled request. Body is
// fully read so deduplicated callers can all consume it.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Scheduler rate-limits requests with a counting permit (FIFO waiters) and
// folds duplicate concurrent requests into one flight.
type Scheduler struct {
	client *http.Client
	sem    *semaphore.Weighted
	group  singleflight.Group

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler with the given permit count. A nil client gets a
// short-timeout default so one slow probe cannot stall the pipeline.
func New(concurrency int64, client *http.Client) *Scheduler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		client: client,
		sem:    semaphore.NewWeighted(concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Request performs method url with the given headers. Callers sharing a
// key (explicit cacheKey, or the canonical url+method+headers key) await a
// single round trip. Retryable failures (429, 5xx, transient transport
// errors) are retried up to the attempt cap; on exhaustion the last
// response is returned rather than an error. Other errors propagate
// immediately.
func (s *Scheduler) Request(ctx context.Context, method, url string, header http.Header, cacheKey string) (*Response, error) {
	key := cacheKey
	if key == "" {
		key = canonicalKey(method, url, header)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.do(ctx, method, url, header)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (s *Scheduler) do(ctx context.Context, method, url string, header http.Header) (*Response, error) {
	ctx, cancel := s.scopedContext(ctx)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	// Released on every exit path, including cancellation, so a cancelled
	// caller cannot leak a concurrency slot.
	defer s.sem.Release(1)

	var lastResp *Response
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, retryDelay(attempt, lastResp)); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if de := domain.Classify(err); !de.Retryable() {
				return nil, err
			}
			lastErr = err
			lastResp = nil
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			lastResp = nil
			continue
		}

		lastResp = &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}
		lastErr = nil

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			continue
		}
		return lastResp, nil
	}

	if lastResp != nil {
		// Attempts exhausted on 429/5xx: hand back what the origin last said.
		return lastResp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// CancelAll aborts in-flight and queued work and releases all waiters.
// Used when the registry enters offline mode. The scheduler is reusable
// afterwards.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// scopedContext derives a context cancelled when either the caller's
// context or the scheduler's lifetime (CancelAll) ends.
func (s *Scheduler) scopedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	root := s.ctx
	s.mu.Unlock()

	scoped, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(root, cancel)
	return scoped, func() {
		stop()
		cancel()
	}
}

// retryDelay honors Retry-After (clamped) when the origin sent one,
// otherwise exponential backoff with jitter. attempt is the upcoming
// attempt number (≥2).
func retryDelay(attempt int, last *Response) time.Duration {
	if last != nil {
		if ra, ok := parseRetryAfter(last.Header.Get("Retry-After")); ok {
			return clampDuration(ra, minRetryAfter, maxRetryAfter)
		}
	}
	backoff := time.Second * time.Duration(1<<uint(attempt-2))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff + time.Duration(rand.Int64N(int64(maxJitter)))
}

// parseRetryAfter accepts the integer-seconds form only; the HTTP-date
// form falls back to exponential backoff.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// canonicalKey builds the dedup key from method, url and sorted headers.
func canonicalKey(method, url string, header http.Header) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(url)

	if len(header) > 0 {
		keys := make([]string, 0, len(header))
		for k := range header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('\n')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(strings.Join(header[k], ","))
		}
	}
	return b.String()
}
