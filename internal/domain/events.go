package domain

// EventType enumerates the typed event stream a transfer emits.
type EventType string

const (
	EventStarted      EventType = "started"
	EventProgress     EventType = "progress"
	EventPaused       EventType = "paused"
	EventNetworkError EventType = "network_error"
	EventFailed       EventType = "failed"
	EventCancelled    EventType = "cancelled"
	EventFinished     EventType = "finished"
)

// Event is one message on a transfer's event stream. Which fields are
// populated depends on Type:
//
//	started        Expected (0 if unknown)
//	progress       Fraction, Bytes, Expected, Speed
//	paused         Fraction
//	network_error  Err (retryable), Fraction
//	failed         Err
//	cancelled      (no payload)
//	finished       Bytes, Artifact
type Event struct {
	Type     EventType
	Fraction float64
	Bytes    int64
	Expected int64
	Speed    float64
	Err      *DownloadError
	Artifact *InstalledArtifact
}
