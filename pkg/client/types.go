package client

import (
	"encoding/json"
	"time"
)

// Script is a named command of a project.
type Script struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// Usage is the aggregated resource sample of a project's process tree.
type Usage struct {
	ProjectID   string    `json:"projectId"`
	PID         int       `json:"pid"`
	CPUPercent  float64   `json:"cpuPercent"`
	MemoryBytes uint64    `json:"memoryBytes"`
	Processes   int       `json:"processes"`
	Timestamp   time.Time `json:"timestamp"`
}

// EnvDiff compares one dotenv key across two projects. A nil side means the
// project does not declare the key.
type EnvDiff struct {
	Project1 *string `json:"project1,omitempty"`
	Project2 *string `json:"project2,omitempty"`
	Match    bool    `json:"match"`
}

type Override struct {
	HealthEndpoint string `json:"healthEndpoint,omitempty"`
	Group          string `json:"group,omitempty"`
}

// Project is a project definition with its runtime view.
type Project struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Path           string   `json:"path"`
	ConfigType     string   `json:"configType"`
	Scripts        []Script `json:"scripts"`
	HealthEndpoint string   `json:"healthEndpoint,omitempty"`
	Status         string   `json:"status"`
	PID            int      `json:"pid,omitempty"`
	ActiveScript   string   `json:"activeScript,omitempty"`
	Health         string   `json:"health"`
	Usage          *Usage   `json:"usage,omitempty"`
	Ports          []int    `json:"ports"`
	Note           string   `json:"note,omitempty"`
	Override       Override `json:"override"`
}

// PortRecord is one listening socket of the last scan.
type PortRecord struct {
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	Address     string `json:"address,omitempty"`
	PID         int    `json:"pid"`
	ProcessName string `json:"processName"`
	State       string `json:"state"`
	Conflict    bool   `json:"conflict"`
	ProjectID   string `json:"projectId,omitempty"`
}

type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"projectId"`
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
}

type SessionEntry struct {
	ProjectID  string `json:"projectId"`
	ScriptName string `json:"scriptName"`
}

type Session struct {
	Projects  []SessionEntry `json:"projects"`
	Timestamp time.Time      `json:"timestamp"`
}

type RestoreError struct {
	ProjectID  string `json:"projectId"`
	ScriptName string `json:"scriptName"`
	Error      string `json:"error"`
}

type RestoreResult struct {
	Restored int            `json:"restored"`
	Total    int            `json:"total"`
	Errors   []RestoreError `json:"errors,omitempty"`
}

type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ProjectIDs  []string `json:"projectIds"`
}

type MemberResult struct {
	ProjectID string `json:"projectId"`
	Script    string `json:"script,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Settings are loop intervals in milliseconds. Zero fields are left unchanged
// by UpdateSettings.
type Settings struct {
	HealthCheckInterval     int64 `json:"healthCheckInterval,omitempty"`
	ResourceMonitorInterval int64 `json:"resourceMonitorInterval,omitempty"`
	PortScanInterval        int64 `json:"portScanInterval,omitempty"`
}

// envelope is the JSON wrapper of every API reply.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}
