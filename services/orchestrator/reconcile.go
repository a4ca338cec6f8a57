package orchestrator

import (
	"fmt"
	"math"
	"time"
)

// ProgressUpdate is one machine's report from the imaging tool or its
// progress reporter.
type ProgressUpdate struct {
	MachineID string        `json:"machine_id"`
	Status    MachineStatus `json:"status"`
	Progress  int           `json:"progress"`
	Error     string        `json:"error,omitempty"`
}

// Reconcile applies u to d and recomputes the aggregate progress and status.
// d is left untouched when an error is returned.
//
// A machine's progress only moves forward and a machine that reached
// completed or failed keeps that status, so the aggregate never decreases
// while the deployment runs.
func Reconcile(d *Deployment, u ProgressUpdate, now time.Time) error {
	if !d.Status.InFlight() {
		return &StateError{Op: "update progress", Current: d.Status, Required: []Status{StatusRunning, StatusPartial}}
	}
	if !u.Status.Valid() {
		allowed := make([]string, len(MachineStatuses))
		for i, s := range MachineStatuses {
			allowed[i] = string(s)
		}
		return &ValidationError{Field: "status", Values: []string{string(u.Status)}, Allowed: allowed}
	}
	m, ok := d.Machine(u.MachineID)
	if !ok {
		return &machineNotFound{deploymentID: d.ID.String(), machineID: u.MachineID}
	}
	if m.Status.Terminal() && u.Status != m.Status {
		return fmt.Errorf("%w: machine %s is already %s, cannot report %s", ErrStateConflict, m.MachineID, m.Status, u.Status)
	}

	m.Status = u.Status
	m.Progress = max(m.Progress, clamp(u.Progress))
	m.Error = u.Error
	m.UpdatedAt = now

	d.Progress = AggregateProgress(d.Targets)
	d.Status = deriveStatus(d.Targets)
	if d.Status.Terminal() {
		d.markCompleted(now)
	}
	d.UpdatedAt = now
	return nil
}

// AggregateProgress is the rounded mean of machine progress, counting
// completed machines as 100.
func AggregateProgress(targets []MachineState) int {
	if len(targets) == 0 {
		return 0
	}
	sum := 0
	for _, m := range targets {
		if m.Status == MachineCompleted {
			sum += 100
			continue
		}
		sum += clamp(m.Progress)
	}
	return int(math.Round(float64(sum) / float64(len(targets))))
}

func deriveStatus(targets []MachineState) Status {
	completed, failed := 0, 0
	for _, m := range targets {
		switch m.Status {
		case MachineCompleted:
			completed++
		case MachineFailed:
			failed++
		}
	}
	switch {
	case len(targets) > 0 && completed == len(targets):
		return StatusCompleted
	case failed > 0 && completed+failed == len(targets):
		return StatusFailed
	default:
		return StatusRunning
	}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

type machineNotFound struct {
	deploymentID string
	machineID    string
}

func (e *machineNotFound) Error() string {
	return "machine " + e.machineID + " is not a target of deployment " + e.deploymentID
}

func (e *machineNotFound) Unwrap() error { return ErrNotFound }
