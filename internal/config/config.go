// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the figure service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	OutputsDir        string        // Parent of every job's output directory
	HeartbeatInterval time.Duration // Idle period before an event stream sends a keepalive
	UploadsDir        string        // Reference image directory, relative to the script work dir
	MaxUploadSize     int64         // Largest accepted reference image in bytes
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		OutputsDir:        GetEnv("OUTPUTS_DIR", "outputs"),
		HeartbeatInterval: GetDurationEnv("HEARTBEAT_INTERVAL", 10*time.Second),
		UploadsDir:        GetEnv("UPLOADS_DIR", "uploads"),
		MaxUploadSize:     int64(GetIntEnv("UPLOAD_MAX_BYTES", 20<<20)),
	}
}

// ScriptConfig describes how the figure generation script is invoked.
type ScriptConfig struct {
	Python          string
	Script          string
	WorkDir         string
	Provider        string
	APIKey          string
	SAMBackend      string
	SAMAPIKey       string
	PlaceholderMode string
	MergeThreshold  float64
}

// LoadScriptConfig loads script invocation settings from environment variables.
func LoadScriptConfig() ScriptConfig {
	return ScriptConfig{
		Python:          GetEnv("AUTOFIGURE_PYTHON", "python3"),
		Script:          GetEnv("AUTOFIGURE_SCRIPT", "autofigure2.py"),
		WorkDir:         GetEnv("AUTOFIGURE_WORKDIR", "."),
		Provider:        GetEnv("AUTOFIGURE_PROVIDER", "openrouter"),
		APIKey:          GetSecret("PROVIDER_API_KEY"),
		SAMBackend:      GetEnv("SAM_BACKEND", "roboflow"),
		SAMAPIKey:       GetSecret("SAM_API_KEY"),
		PlaceholderMode: GetEnv("PLACEHOLDER_MODE", "label"),
		MergeThreshold:  GetFloatEnv("MERGE_THRESHOLD", 0.01),
	}
}

// SupervisorConfig holds the process monitor and retention tunables.
type SupervisorConfig struct {
	JobTimeout          time.Duration // Wall-clock budget before a job is killed
	JobRetention        time.Duration // How long finished jobs stay queryable
	MaintenanceInterval time.Duration // How often the retention sweep runs
	PollInterval        time.Duration // Artifact scan and exit check period
	ExitDebounce        int           // Consecutive exited polls required before finalizing
	KillGracePeriod     time.Duration // Wait between terminate and kill on timeout
	DrainWait           time.Duration // How long finalization waits for output to flush
}

// LoadSupervisorConfig loads monitor settings from environment variables.
func LoadSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		JobTimeout:          GetDurationEnv("JOB_TIMEOUT", 10*time.Minute),
		JobRetention:        GetDurationEnv("JOB_RETENTION", time.Hour),
		MaintenanceInterval: GetDurationEnv("MAINTENANCE_INTERVAL", time.Minute),
		PollInterval:        GetDurationEnv("POLL_INTERVAL", 500*time.Millisecond),
		ExitDebounce:        GetIntEnv("EXIT_DEBOUNCE", 4),
		KillGracePeriod:     GetDurationEnv("KILL_GRACE_PERIOD", 5*time.Second),
		DrainWait:           GetDurationEnv("DRAIN_WAIT", 2*time.Second),
	}
}
