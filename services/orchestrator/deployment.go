// Package orchestrator owns the deployment lifecycle: creation, starting and
// stopping the imaging tool, and folding per-machine progress reports into
// the deployment's aggregate status.
package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every deployment status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusPartial, StatusCompleted, StatusFailed}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether the imaging tool may still be working.
func (s Status) InFlight() bool {
	return s == StatusRunning || s == StatusPartial
}

// Active reports whether the deployment has not reached a terminal state.
func (s Status) Active() bool {
	return s == StatusPending || s.InFlight()
}

// Mode selects how the imaging tool distributes the image.
type Mode string

const (
	ModeMulticast Mode = "multicast"
	ModeUnicast   Mode = "unicast"
)

var Modes = []Mode{ModeMulticast, ModeUnicast}

func (m Mode) Valid() bool {
	return m == ModeMulticast || m == ModeUnicast
}

// MachineStatus is the per-target sub-state.
type MachineStatus string

const (
	MachinePending   MachineStatus = "pending"
	MachineImaging   MachineStatus = "imaging"
	MachineCompleted MachineStatus = "completed"
	MachineFailed    MachineStatus = "failed"
)

var MachineStatuses = []MachineStatus{MachinePending, MachineImaging, MachineCompleted, MachineFailed}

func (s MachineStatus) Valid() bool {
	for _, known := range MachineStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s MachineStatus) Terminal() bool {
	return s == MachineCompleted || s == MachineFailed
}

// MachineState tracks one target machine inside a deployment.
type MachineState struct {
	MachineID string        `json:"machine_id"`
	Status    MachineStatus `json:"status"`
	Progress  int           `json:"progress"`
	Error     string        `json:"error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ToolOutcome records the last imaging tool invocation for a deployment.
type ToolOutcome struct {
	Status     string    `json:"status"`
	Simulated  bool      `json:"simulated"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
	ArchiveKey string    `json:"archive_key,omitempty"`
}

// Deployment is one imaging job spanning a fixed set of machines.
type Deployment struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	ImageName   string         `json:"image_name"`
	Mode        Mode           `json:"mode"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Targets     []MachineState `json:"targets"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	ToolResult  *ToolOutcome   `json:"tool_result,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers never share target slices or
// timestamps with the store.
func (d Deployment) Clone() Deployment {
	out := d
	out.Targets = append([]MachineState(nil), d.Targets...)
	if d.ToolResult != nil {
		tr := *d.ToolResult
		out.ToolResult = &tr
	}
	if d.StartedAt != nil {
		t := *d.StartedAt
		out.StartedAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// TargetIDs returns the machine ids in creation order.
func (d Deployment) TargetIDs() []string {
	ids := make([]string, len(d.Targets))
	for i, m := range d.Targets {
		ids[i] = m.MachineID
	}
	return ids
}

// Machine returns the sub-state for id.
func (d *Deployment) Machine(id string) (*MachineState, bool) {
	for i := range d.Targets {
		if d.Targets[i].MachineID == id {
			return &d.Targets[i], true
		}
	}
	return nil, false
}

// Duration is the time between start and completion, or zero while either
// is unset.
func (d Deployment) Duration() time.Duration {
	if d.StartedAt == nil || d.CompletedAt == nil {
		return 0
	}
	return d.CompletedAt.Sub(*d.StartedAt)
}

// Elapsed is the running time at now for a started, unfinished deployment.
func (d Deployment) Elapsed(now time.Time) time.Duration {
	if d.StartedAt == nil || d.CompletedAt != nil {
		return 0
	}
	return now.Sub(*d.StartedAt)
}

func newDeployment(id uuid.UUID, name, imageName string, mode Mode, targetIDs []string, createdBy, notes string, now time.Time) Deployment {
	targets := make([]MachineState, len(targetIDs))
	for i, tid := range targetIDs {
		targets[i] = MachineState{MachineID: tid, Status: MachinePending, UpdatedAt: now}
	}
	return Deployment{
		ID:        id,
		Name:      name,
		ImageName: imageName,
		Mode:      mode,
		Status:    StatusPending,
		Progress:  0,
		Targets:   targets,
		CreatedBy: createdBy,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// begin moves a pending deployment to running.
func (d *Deployment) begin(now time.Time) error {
	if d.Status != StatusPending {
		return &StateError{Op: "start", Current: d.Status, Required: []Status{StatusPending}}
	}
	d.Status = StatusRunning
	d.Progress = 0
	d.StartedAt = &now
	d.UpdatedAt = now
	return nil
}

// halt moves an in-flight deployment to failed on operator request.
func (d *Deployment) halt(now time.Time) error {
	if !d.Status.InFlight() {
		return &StateError{Op: "stop", Current: d.Status, Required: []Status{StatusRunning, StatusPartial}}
	}
	d.fail(now)
	return nil
}

func (d *Deployment) fail(now time.Time) {
	d.Status = StatusFailed
	d.markCompleted(now)
	d.UpdatedAt = now
}

func (d *Deployment) markCompleted(now time.Time) {
	if d.CompletedAt == nil {
		d.CompletedAt = &now
	}
}
