package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_provisioner_downloads_started_total",
		Help: "Total number of downloads started",
	})

	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_provisioner_downloads_completed_total",
		Help: "Total number of downloads completed",
	})

	DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_provisioner_downloads_failed_total",
		Help: "Total number of downloads that failed permanently",
	})

	DownloadsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_provisioner_downloads_cancelled_total",
		Help: "Total number of downloads cancelled",
	})

	DownloadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_provisioner_download_retries_total",
		Help: "Total number of automatic retries after network errors",
	})

	BackgroundFinalizations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_provisioner_background_finalizations_total",
		Help: "Downloads finalized by the background-completion reconciler",
	})

	BytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_provisioner_download_bytes_total",
		Help: "Total bytes downloaded",
	})

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "artifact_provisioner_download_duration_seconds",
		Help:    "Download duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "artifact_provisioner_active_downloads",
		Help: "Number of downloads currently running",
	})
)
