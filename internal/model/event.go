package model

import "time"

// RunState is the lifecycle state of a run as reported to the editor.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// ProgressEvent is one notification on a run's event stream. Non-terminal
// events carry only progress and message; the single terminal event
// carries the verdict.
type ProgressEvent struct {
	RunID      string  `json:"runId"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message"`
	Terminal   bool    `json:"terminal"`
	Success    *bool   `json:"success"`
	Error      *string `json:"error"`
	ResultPath *string `json:"resultPath"`
	ExitCode   *int    `json:"exitCode"`
	Output     string  `json:"output,omitempty"`
	Cancelled  bool    `json:"cancelled,omitempty"`
}

// RunInfo is a point-in-time snapshot of a run.
type RunInfo struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	WorkingDir string     `json:"workingDir"`
	Started    time.Time  `json:"started"`
	Finished   *time.Time `json:"finished,omitempty"`
	Pid        int        `json:"pid,omitempty"`
	Progress   float64    `json:"progress"`
	State      RunState   `json:"state"`
	ResultPath string     `json:"resultPath,omitempty"`
	Error      string     `json:"error,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Cancelled  bool       `json:"cancelled,omitempty"`
}

// StartRequest is what the editor sends to begin an analysis. Drivers maps
// a driver file name to the content materialized into WorkingDir.
type StartRequest struct {
	WorkingDir string            `json:"workingDir"`
	Kind       string            `json:"kind"`
	Drivers    map[string]string `json:"drivers,omitempty"`
}

// StopResult acknowledges a stop request.
type StopResult struct {
	Stopped bool   `json:"stopped"`
	RunID   string `json:"runId,omitempty"`
	Message string `json:"message"`
}

// ResultSet is the content of the last result artifact plus metadata.
type ResultSet struct {
	Path       string            `json:"path"`
	WorkingDir string            `json:"workingDir"`
	Modified   time.Time         `json:"modified"`
	AgeSeconds float64           `json:"ageSeconds"`
	Summary    map[string]string `json:"summary,omitempty"`
	Data       []byte            `json:"-"`
}

// Status describes the supervisor slot.
type Status struct {
	Active         *RunInfo `json:"active"`
	LastWorkingDir string   `json:"lastWorkingDir,omitempty"`
	BusyPolicy     string   `json:"busyPolicy"`
	Kinds          []string `json:"kinds"`
}
