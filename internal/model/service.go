package model

import "time"

type ServiceState string

const (
	ServiceStopped  ServiceState = "stopped"
	ServiceStarting ServiceState = "starting"
	ServiceRunning  ServiceState = "running"
	ServiceError    ServiceState = "error"
)

// ManagedServiceStatus is a snapshot of one supervised service. Only the
// supervisor mutates the underlying state; callers get copies.
type ManagedServiceStatus struct {
	Name            string       `json:"name"`
	State           ServiceState `json:"state"`
	Port            int          `json:"port"`
	Version         string       `json:"version,omitempty"`
	UptimeSeconds   int64        `json:"uptimeSeconds"`
	URL             string       `json:"url,omitempty"`
	LastError       string       `json:"lastError,omitempty"`
	RestartAttempts int          `json:"restartAttempts"`
	PID             int          `json:"pid,omitempty"`
	Telemetry       *Telemetry   `json:"telemetry,omitempty"`
}

type Telemetry struct {
	CPUPercent float64   `json:"cpuPercent"`
	MemoryRSS  uint64    `json:"memoryRss"`
	NumThreads int32     `json:"numThreads"`
	SampledAt  time.Time `json:"sampledAt"`
}

type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

type LogLine struct {
	Time   time.Time `json:"time"`
	Stream LogStream `json:"stream"`
	Text   string    `json:"text"`
}

// StartResult is returned by supervisor start and restart, which never
// fail across their boundary.
type StartResult struct {
	Success bool   `json:"success"`
	Port    int    `json:"port,omitempty"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}
