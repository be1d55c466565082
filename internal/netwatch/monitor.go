// Package netwatch tracks origin connectivity. Retry paths block on
// WaitOnline instead of polling: the monitor broadcasts a state change the
// moment connectivity is reported restored.
package netwatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
)

// Monitor is a broadcast point for online/offline transitions.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	waiters   []chan struct{}
	onOffline []func()

	logger *slog.Logger
}

// NewMonitor returns a monitor that starts online.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{online: true, logger: logger}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline transitions the state. Going online releases every waiter;
// going offline runs the registered offline hooks (the registry uses this
// to cancel queued scheduler work).
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	var waiters []chan struct{}
	var hooks []func()
	if online {
		waiters = m.waiters
		m.waiters = nil
	} else {
		hooks = append(hooks, m.onOffline...)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
		for _, w := range waiters {
			close(w)
		}
	} else {
		m.logger.Warn("connectivity lost")
		for _, hook := range hooks {
			hook()
		}
	}
}

// WaitOnline blocks until the monitor is online or ctx ends.
func (m *Monitor) WaitOnline(ctx context.Context) error {
	m.mu.Lock()
	if m.online {
		m.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w:
		return nil
	}
}

// OnOffline registers a hook invoked on each online→offline transition.
func (m *Monitor) OnOffline(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, hook)
}

// Report feeds a transfer outcome into the monitor: network-class errors
// flip it offline, successes flip it back online.
func (m *Monitor) Report(err *domain.DownloadError) {
	if err == nil {
		m.SetOnline(true)
		return
	}
	if err.Kind == domain.ErrorKindNetwork {
		m.SetOnline(false)
	}
}

// Probe periodically checks probeURL while offline and flips the monitor
// back online on the first success. Runs until ctx ends. While online it
// idles; transitions to offline are event-driven through Report.
func (m *Monitor) Probe(ctx context.Context, probeURL string, interval time.Duration) {
	if probeURL == "" {
		return
	}
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Online() {
				continue
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			m.SetOnline(true)
		}
	}
}
