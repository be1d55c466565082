package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration settings.
type Config struct {
	Environment string `envconfig:"AP_ENV" default:"development"`

	HTTPPort    int           `envconfig:"AP_HTTP_PORT" default:"8080"`
	HTTPTimeout time.Duration `envconfig:"AP_HTTP_TIMEOUT" default:"15s"`

	ArtifactDir    string `envconfig:"AP_ARTIFACT_DIR" default:"./artifacts"`
	InstallLogFile string `envconfig:"AP_INSTALL_LOG" default:"./artifacts/installed.json"`

	SchedulerConcurrency int64         `envconfig:"AP_SCHEDULER_CONCURRENCY" default:"2"`
	ProbeTimeout         time.Duration `envconfig:"AP_PROBE_TIMEOUT" default:"5s"`

	GraceFinished time.Duration `envconfig:"AP_GRACE_FINISHED" default:"3s"`
	GraceFailed   time.Duration `envconfig:"AP_GRACE_FAILED" default:"5s"`
	BackoffCap    time.Duration `envconfig:"AP_BACKOFF_CAP" default:"60s"`
	SweepInterval time.Duration `envconfig:"AP_SWEEP_INTERVAL" default:"1s"`

	ConnectivityProbeURL      string        `envconfig:"AP_CONNECTIVITY_PROBE_URL" default:""`
	ConnectivityProbeInterval time.Duration `envconfig:"AP_CONNECTIVITY_PROBE_INTERVAL" default:"5s"`

	ShutdownTimeout time.Duration `envconfig:"AP_SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"AP_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"AP_LOG_FORMAT" default:"json"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	if c.SchedulerConcurrency <= 0 {
		return fmt.Errorf("scheduler concurrency must be positive: %d", c.SchedulerConcurrency)
	}

	if c.ArtifactDir == "" {
		return fmt.Errorf("artifact directory cannot be empty")
	}
	if c.InstallLogFile == "" {
		return fmt.Errorf("install log file cannot be empty")
	}

	if c.GraceFinished <= 0 || c.GraceFailed <= 0 {
		return fmt.Errorf("grace delays must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.BackoffCap <= 0 {
		return fmt.Errorf("backoff cap must be positive")
	}

	return nil
}
