package drbl

import "time"

// Status is the outcome reported by a tool invocation.
type Status string

const (
	StatusStarted   Status = "started"
	StatusSimulated Status = "simulated"
	StatusStopped   Status = "stopped"
)

// Result is returned by every start/stop call. Simulated results carry the
// same shape as real ones so callers never branch on field presence.
type Result struct {
	Status    Status    `json:"status"`
	Simulated bool      `json:"simulated"`
	StartedAt time.Time `json:"started_at"`
	Message   string    `json:"message,omitempty"`
	Stdout    string    `json:"-"`
	Stderr    string    `json:"-"`
}

// Progress is the last percentage found in the Clonezilla logs.
type Progress struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// StatusReport describes whether the imaging tool is currently running.
type StatusReport struct {
	Running   bool      `json:"running"`
	Simulated bool      `json:"simulated"`
	Progress  *Progress `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Health summarises the local DRBL installation.
type Health struct {
	Installed    bool      `json:"installed"`
	BinDir       string    `json:"bin_dir"`
	LogDir       string    `json:"log_dir"`
	LogDirExists bool      `json:"log_dir_exists"`
	CheckedAt    time.Time `json:"checked_at"`
}
