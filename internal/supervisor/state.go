package supervisor

import "time"

// Status is the supervisor lifecycle phase.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"

	// StatusDegraded means a restart failed or the worker crashed.
	// Calls are rejected until an explicit restart succeeds.
	StatusDegraded Status = "degraded"

	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// State is a snapshot of the supervisor. DocsSinceRestart resets to
// zero exactly once per completed restart; TotalDocs is monotonically
// non-decreasing and never reset.
type State struct {
	Status Status `json:"status"`

	DocsSinceRestart int64 `json:"documentsProcessedSinceRestart"`
	TotalDocs        int64 `json:"totalDocumentsProcessed"`

	RestartCount  int        `json:"restartCount"`
	LastRestartAt *time.Time `json:"lastRestartAt,omitempty"`

	MemoryMB float64 `json:"currentMemoryMb"`

	// WorkerPID is set only for the isolated-process strategy.
	WorkerPID int `json:"workerId,omitempty"`

	LastError string `json:"lastError,omitempty"`
	Ready     bool   `json:"isReady"`
}
