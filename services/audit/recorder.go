// Package audit records deployment lifecycle events into the audit table.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"pcdeploy/pkg/db"
	"pcdeploy/services/orchestrator"
)

const (
	deploymentSubjects = "pcdeploy.deployments.>"
	auditDurable       = "audit-deployments"
	defaultActor       = "orchestrator"
)

// Entry is one row of the audit table.
type Entry struct {
	EventID uuid.UUID
	Actor   string
	Action  string
	Obj     string
	Details map[string]any
	At      time.Time
}

type entryWriter interface {
	write(ctx context.Context, e Entry) error
}

type poolWriter struct {
	pool *pgxpool.Pool
}

// write is idempotent on event_id so redelivered events are recorded once.
func (w poolWriter) write(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, w.pool, `
INSERT INTO audit (event_id, actor, action, obj, details, at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
ON CONFLICT (event_id) DO NOTHING
`, e.EventID, e.Actor, e.Action, e.Obj, details, e.At)
	return err
}

// Recorder subscribes to deployment events and writes an audit entry for
// each, describing which fields changed.
type Recorder struct {
	writer entryWriter
	sub    orchestrator.Subscriber
	logger *log.Logger

	subMu  sync.Mutex
	closer io.Closer
}

// NewRecorder constructs a Recorder writing to pool.
func NewRecorder(pool *pgxpool.Pool, sub orchestrator.Subscriber, logger *log.Logger) (*Recorder, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return newRecorder(poolWriter{pool: pool}, sub, logger)
}

func newRecorder(w entryWriter, sub orchestrator.Subscriber, logger *log.Logger) (*Recorder, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", 0)
	}
	return &Recorder{writer: w, sub: sub, logger: logger}, nil
}

// Start subscribes to deployment events and records them until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil recorder")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	closer, err := r.sub.Subscribe(ctx, deploymentSubjects, auditDurable, r.handleEvent)
	if err != nil {
		return err
	}

	r.subMu.Lock()
	r.closer = closer
	r.subMu.Unlock()
	return nil
}

// Close stops the underlying subscription if it was created.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

func (r *Recorder) handleEvent(ctx context.Context, data []byte) error {
	var evt orchestrator.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		r.logger.Printf("WARN discarding malformed deployment event: %v", err)
		return nil
	}
	if evt.EventID == uuid.Nil || evt.DeploymentID == uuid.Nil {
		r.logger.Printf("WARN discarding deployment event without event_id or deployment_id")
		return nil
	}
	return r.writer.write(ctx, entryFor(evt))
}

func entryFor(evt orchestrator.Event) Entry {
	actor := evt.Actor
	if actor == "" {
		actor = defaultActor
	}
	at := evt.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	details := map[string]any{
		"deployment_id": evt.DeploymentID.String(),
		"status":        string(evt.Status),
		"progress":      evt.Progress,
		"changes":       computeDiff(evt.Before, evt.After),
	}
	if evt.MachineID != "" {
		details["machine_id"] = evt.MachineID
	}

	return Entry{
		EventID: evt.EventID,
		Actor:   actor,
		Action:  "deployment_" + evt.Type,
		Obj:     evt.DeploymentID.String(),
		Details: details,
		At:      at,
	}
}

func computeDiff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}
