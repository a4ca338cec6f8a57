package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"pcdeploy/services/orchestrator"
)

type memoryWriter struct {
	entries []Entry
	err     error
}

func (m *memoryWriter) write(_ context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

type stubSubscriber struct {
	subject string
	durable string
	handler func(context.Context, []byte) error
	closed  bool
}

func (s *stubSubscriber) Subscribe(_ context.Context, subj, durable string, fn func(context.Context, []byte) error) (io.Closer, error) {
	s.subject, s.durable, s.handler = subj, durable, fn
	return s, nil
}

func (s *stubSubscriber) Close() error {
	s.closed = true
	return nil
}

func newTestRecorder(t *testing.T, w *memoryWriter) (*Recorder, *stubSubscriber) {
	t.Helper()
	sub := &stubSubscriber{}
	rec, err := newRecorder(w, sub, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("newRecorder: %v", err)
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return rec, sub
}

func TestRecorderWritesEntry(t *testing.T) {
	w := &memoryWriter{}
	rec, sub := newTestRecorder(t, w)

	if sub.subject != "pcdeploy.deployments.>" || sub.durable != auditDurable {
		t.Fatalf("subscribed to %q/%q", sub.subject, sub.durable)
	}

	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	evt := orchestrator.Event{
		EventID:      uuid.New(),
		Type:         "progress",
		DeploymentID: uuid.New(),
		Status:       orchestrator.StatusRunning,
		Progress:     33,
		MachineID:    "m1",
		Before:       map[string]any{"progress": 0, "machine.m1": "pending"},
		After:        map[string]any{"progress": 33, "machine.m1": "completed"},
		At:           at,
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := sub.handler(context.Background(), raw); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(w.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(w.entries))
	}
	got := w.entries[0]
	if got.EventID != evt.EventID || got.Action != "deployment_progress" || got.Actor != defaultActor {
		t.Fatalf("entry = %+v", got)
	}
	if got.Obj != evt.DeploymentID.String() || !got.At.Equal(at) {
		t.Fatalf("entry obj/at = %s %s", got.Obj, got.At)
	}
	if got.Details["machine_id"] != "m1" {
		t.Fatalf("details = %v", got.Details)
	}
	changes := got.Details["changes"].(map[string]map[string]any)
	want := map[string]map[string]any{
		"progress":   {"old": float64(0), "new": float64(33)},
		"machine.m1": {"old": "pending", "new": "completed"},
	}
	if !reflect.DeepEqual(changes, want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sub.closed {
		t.Fatal("subscription not closed")
	}
}

func TestRecorderDiscardsUnusableEvents(t *testing.T) {
	w := &memoryWriter{}
	_, sub := newTestRecorder(t, w)

	inputs := [][]byte{
		[]byte("{not json"),
		[]byte(`{"type":"created"}`),
	}
	for _, in := range inputs {
		if err := sub.handler(context.Background(), in); err != nil {
			t.Fatalf("handler(%s) = %v, want ack", in, err)
		}
	}
	if len(w.entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(w.entries))
	}
}

func TestRecorderReturnsWriteErrors(t *testing.T) {
	w := &memoryWriter{err: errors.New("connection reset")}
	_, sub := newTestRecorder(t, w)

	raw, _ := json.Marshal(orchestrator.Event{EventID: uuid.New(), DeploymentID: uuid.New(), Type: "created"})
	if err := sub.handler(context.Background(), raw); err == nil {
		t.Fatal("handler error = nil, want write error for redelivery")
	}
}

func TestComputeDiff(t *testing.T) {
	tests := []struct {
		name     string
		previous map[string]any
		current  map[string]any
		want     map[string]map[string]any
	}{
		{
			name:    "created",
			current: map[string]any{"status": "pending"},
			want:    map[string]map[string]any{"status": {"old": nil, "new": "pending"}},
		},
		{
			name:     "removed",
			previous: map[string]any{"notes": "room 204"},
			current:  map[string]any{},
			want:     map[string]map[string]any{"notes": {"old": "room 204", "new": nil}},
		},
		{
			name:     "unchanged",
			previous: map[string]any{"status": "running"},
			current:  map[string]any{"status": "running"},
			want:     map[string]map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeDiff(tt.previous, tt.current); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("computeDiff = %v, want %v", got, tt.want)
			}
		})
	}
}
