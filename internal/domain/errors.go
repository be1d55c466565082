package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
)

// ErrorKind splits download failures into the two classes the retry logic
// cares about.
type ErrorKind string

const (
	// ErrorKindNetwork covers connectivity loss, timeouts, DNS failures and
	// server 5xx responses. Always retryable.
	ErrorKindNetwork ErrorKind = "network"
	// ErrorKindPermanent covers everything else: validation failures, client
	// errors, local filesystem errors. Never silently retried.
	ErrorKindPermanent ErrorKind = "permanent"
)

// DownloadError is the tagged error variant flowing through the event
// stream. Retryability is a pure function of the tag.
type DownloadError struct {
	Kind    ErrorKind
	Message string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the orchestrator should back off and retry.
func (e *DownloadError) Retryable() bool {
	return e.Kind == ErrorKindNetwork
}

// NetworkError builds a retryable error.
func NetworkError(format string, args ...any) *DownloadError {
	return &DownloadError{Kind: ErrorKindNetwork, Message: fmt.Sprintf(format, args...)}
}

// PermanentError builds a non-retryable error.
func PermanentError(format string, args ...any) *DownloadError {
	return &DownloadError{Kind: ErrorKindPermanent, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary transport error onto the taxonomy.
func Classify(err error) *DownloadError {
	var de *DownloadError
	if errors.As(err, &de) {
		return de
	}

	if isTransient(err) {
		return NetworkError("%v", err)
	}
	return PermanentError("%v", err)
}

// isTransient recognizes connectivity-class failures: timeouts, DNS
// errors, refused or reset connections, unreachable hosts.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// A stream ending mid-body is a dropped connection.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP status code onto the taxonomy. Server 5xx is
// upgraded to a network error since it is typically transient; 429 is
// likewise retryable.
func ClassifyStatus(code int) *DownloadError {
	if code >= 200 && code < 300 {
		return nil
	}
	if code >= 500 || code == http.StatusTooManyRequests {
		return NetworkError("server returned %d %s", code, http.StatusText(code))
	}
	return PermanentError("server returned %d %s", code, http.StatusText(code))
}

// Cancellation causes used when tearing down a transfer. The transport
// inspects context.Cause to tell a pause (keep the temp file) from a hard
// cancel (delete everything).
var (
	ErrPaused    = errors.New("download paused")
	ErrCancelled = errors.New("download cancelled")
)
