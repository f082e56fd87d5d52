package manager

import "time"

// Status is the derived runtime status of a project.
type Status string

const (
	StatusStopped Status = "stopped"
	// StatusStarting is reported while a restart waits out its settle delay.
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
)

// StatusEvent is the payload of status topic events.
type StatusEvent struct {
	ProjectID string `json:"projectId"`
	Status    Status `json:"status"`
	PID       int    `json:"pid,omitempty"`
	Script    string `json:"script,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Signal    string `json:"signal,omitempty"`
}

// Snapshot is a read-only copy of one registry entry.
type Snapshot struct {
	ProjectID string    `json:"projectId"`
	PID       int       `json:"pid"`
	Script    string    `json:"script"`
	StartedAt time.Time `json:"startedAt"`
}
