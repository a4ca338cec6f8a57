package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	SubjectDeploymentCreated   = "pcdeploy.deployments.created"
	SubjectDeploymentStarted   = "pcdeploy.deployments.started"
	SubjectDeploymentStopped   = "pcdeploy.deployments.stopped"
	SubjectDeploymentProgress  = "pcdeploy.deployments.progress"
	SubjectDeploymentCompleted = "pcdeploy.deployments.completed"
	SubjectDeploymentFailed    = "pcdeploy.deployments.failed"
	SubjectDeploymentUpdated   = "pcdeploy.deployments.updated"
	SubjectDeploymentDeleted   = "pcdeploy.deployments.deleted"

	// SubjectMachineProgress carries pushed progress reports from imaging
	// clients into UpdateProgress.
	SubjectMachineProgress = "pcdeploy.machines.progress"

	progressDurable = "orchestrator-machine-progress"
)

// Publisher emits lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Subscriber consumes a subject with a durable consumer. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Event is published on every deployment mutation. Before and After hold
// the fields that changed, keyed by their JSON names.
type Event struct {
	EventID      uuid.UUID      `json:"event_id"`
	Type         string         `json:"type"`
	DeploymentID uuid.UUID      `json:"deployment_id"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	MachineID    string         `json:"machine_id,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	At           time.Time      `json:"at"`
}

type machineProgressEvent struct {
	DeploymentID uuid.UUID     `json:"deployment_id"`
	MachineID    string        `json:"machine_id"`
	Status       MachineStatus `json:"status"`
	Progress     int           `json:"progress"`
	Error        string        `json:"error,omitempty"`
}

func newEvent(subject string, before *Deployment, after Deployment, machineID, actor string, at time.Time) Event {
	evt := Event{
		EventID:      uuid.New(),
		Type:         subject[len("pcdeploy.deployments."):],
		DeploymentID: after.ID,
		Status:       after.Status,
		Progress:     after.Progress,
		MachineID:    machineID,
		Actor:        actor,
		At:           at,
	}
	cur := summary(after)
	if before == nil {
		evt.After = cur
		return evt
	}
	prev := summary(*before)
	evt.Before = map[string]any{}
	evt.After = map[string]any{}
	for k, v := range cur {
		if prev[k] != v {
			evt.Before[k] = prev[k]
			evt.After[k] = v
		}
	}
	return evt
}

func summary(d Deployment) map[string]any {
	out := map[string]any{
		"name":     d.Name,
		"status":   string(d.Status),
		"progress": d.Progress,
		"notes":    d.Notes,
	}
	for _, m := range d.Targets {
		out["machine."+m.MachineID] = string(m.Status)
	}
	return out
}

func (s *Service) publish(ctx context.Context, subject string, before *Deployment, after Deployment, machineID, actor string) {
	if s.publisher == nil {
		return
	}
	evt := newEvent(subject, before, after, machineID, actor, s.now())
	if err := s.publisher.Publish(ctx, subject, evt); err != nil {
		s.logger.Printf("WARN publish %s for deployment %s: %v", subject, after.ID, err)
	}
}

// ProgressIntake feeds pushed machine progress reports into the service.
type ProgressIntake struct {
	svc *Service
	sub Subscriber

	mu     sync.Mutex
	closer io.Closer
}

func NewProgressIntake(svc *Service, sub Subscriber) (*ProgressIntake, error) {
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	return &ProgressIntake{svc: svc, sub: sub}, nil
}

// Start subscribes to machine progress reports until ctx is cancelled.
func (p *ProgressIntake) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	closer, err := p.sub.Subscribe(ctx, SubjectMachineProgress, progressDurable, p.handle)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.closer = closer
	p.mu.Unlock()
	return nil
}

// Close stops the subscription if it was created.
func (p *ProgressIntake) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}

// handle acknowledges reports that can never apply (unknown deployment or
// machine, terminal deployment, bad payload) so they are not redelivered.
func (p *ProgressIntake) handle(ctx context.Context, data []byte) error {
	var evt machineProgressEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.svc.logger.Printf("WARN discarding malformed progress report: %v", err)
		return nil
	}
	if evt.DeploymentID == uuid.Nil || evt.MachineID == "" {
		p.svc.logger.Printf("WARN discarding progress report without deployment_id or machine_id")
		return nil
	}

	_, err := p.svc.UpdateProgress(ctx, evt.DeploymentID, ProgressUpdate{
		MachineID: evt.MachineID,
		Status:    evt.Status,
		Progress:  evt.Progress,
		Error:     evt.Error,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStateConflict), errors.Is(err, ErrValidation):
		p.svc.logger.Printf("WARN progress report for deployment %s rejected: %v", evt.DeploymentID, err)
		return nil
	default:
		return err
	}
}
