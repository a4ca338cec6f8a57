package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pcdeploy/services/drbl"
)

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name     string
		req      CreateRequest
		wantIn   []string
		wantNone bool
	}{
		{
			name:   "bad mode",
			req:    CreateRequest{Name: "x", ImageName: "win11-2025", Mode: "broadcast", TargetIDs: []string{"m1"}},
			wantIn: []string{"mode", "broadcast", "multicast, unicast"},
		},
		{
			name:   "missing name",
			req:    CreateRequest{Name: "  ", ImageName: "win11-2025", Mode: ModeMulticast, TargetIDs: []string{"m1"}},
			wantIn: []string{"name"},
		},
		{
			name:   "unknown image",
			req:    CreateRequest{Name: "x", ImageName: "win7-legacy", Mode: ModeMulticast, TargetIDs: []string{"m1"}},
			wantIn: []string{"image_name", "win7-legacy"},
		},
		{
			name:   "no targets",
			req:    CreateRequest{Name: "x", ImageName: "win11-2025", Mode: ModeMulticast},
			wantIn: []string{"target_ids"},
		},
		{
			name:   "all unknown targets named together",
			req:    CreateRequest{Name: "x", ImageName: "win11-2025", Mode: ModeMulticast, TargetIDs: []string{"m1", "ghost-1", "m2", "ghost-2"}},
			wantIn: []string{"ghost-1", "ghost-2"},
		},
		{
			name:   "duplicate target",
			req:    CreateRequest{Name: "x", ImageName: "win11-2025", Mode: ModeMulticast, TargetIDs: []string{"m1", "m1"}},
			wantIn: []string{"duplicate", "m1"},
		},
		{
			name:   "unicast target without MAC",
			req:    CreateRequest{Name: "x", ImageName: "win11-2025", Mode: ModeUnicast, TargetIDs: []string{"m1", "m4"}},
			wantIn: []string{"MAC", "m4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.Create(context.Background(), tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Create error = %v, want ErrValidation", err)
			}
			for _, want := range tt.wantIn {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
			list, _ := h.svc.List(context.Background(), ListFilter{})
			if len(list) != 0 {
				t.Fatalf("rejected create persisted %d deployments", len(list))
			}
		})
	}
}

func TestCreatePersistsPending(t *testing.T) {
	h := newHarness(t)
	d := h.create(t, ModeMulticast, "m1", "m2", "m3")

	if d.Status != StatusPending || d.Progress != 0 {
		t.Fatalf("created = %s/%d, want pending/0", d.Status, d.Progress)
	}
	if got := d.TargetIDs(); !reflect.DeepEqual(got, []string{"m1", "m2", "m3"}) {
		t.Fatalf("targets = %v", got)
	}
	for _, m := range d.Targets {
		if m.Status != MachinePending || m.Progress != 0 {
			t.Fatalf("machine %s = %s/%d, want pending/0", m.MachineID, m.Status, m.Progress)
		}
	}
	if d.StartedAt != nil || d.CompletedAt != nil {
		t.Fatal("timestamps set on creation")
	}

	stored, err := h.svc.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(stored, d) {
		t.Fatalf("stored deployment differs:\n got %+v\nwant %+v", stored, d)
	}
	if subj := h.publisher.subjects(); !reflect.DeepEqual(subj, []string{SubjectDeploymentCreated}) {
		t.Fatalf("published %v", subj)
	}
}

func TestStartTransitionsToRunning(t *testing.T) {
	h := newHarness(t)
	d := h.create(t, ModeMulticast, "m1", "m2", "m3")

	started, err := h.svc.Start(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != StatusRunning || started.StartedAt == nil || started.Progress != 0 {
		t.Fatalf("started = %+v, want running with started_at and progress 0", started)
	}
	if started.ToolResult == nil || started.ToolResult.Status != string(drbl.StatusStarted) {
		t.Fatalf("tool result = %+v", started.ToolResult)
	}
	if !reflect.DeepEqual(h.tool.multicast, []int{3}) {
		t.Fatalf("multicast clients = %v, want [3]", h.tool.multicast)
	}

	_, err = h.svc.Start(context.Background(), d.ID)
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second Start error = %v, want ErrStateConflict", err)
	}
	if !strings.Contains(err.Error(), "must be pending") || !strings.Contains(err.Error(), "running") {
		t.Fatalf("conflict message %q should name required and current status", err)
	}
	after, _ := h.svc.Get(context.Background(), d.ID)
	if after.Status != StatusRunning || after.Progress != 0 || !after.StartedAt.Equal(*started.StartedAt) {
		t.Fatalf("rejected Start changed deployment: %+v", after)
	}
	if len(h.tool.multicast) != 1 {
		t.Fatalf("tool invoked %d times, want 1", len(h.tool.multicast))
	}
}

func TestStartUnknownDeployment(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Start(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start error = %v, want ErrNotFound", err)
	}
}

func TestStartToolFailureFailsDeployment(t *testing.T) {
	tests := []struct {
		name    string
		toolErr error
		want    error
	}{
		{"config", fmt.Errorf("%w: image not found: win11-2025", drbl.ErrConfig), ErrToolConfig},
		{"command", &drbl.CommandError{Command: []string{"dcs"}, ExitCode: 2, Stderr: "boom"}, ErrToolCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.tool.startErr = tt.toolErr
			d := h.create(t, ModeMulticast, "m1", "m2")

			failed, err := h.svc.Start(context.Background(), d.ID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start error = %v, want %v", err, tt.want)
			}
			if failed.Status != StatusFailed || failed.CompletedAt == nil || failed.StartedAt == nil {
				t.Fatalf("deployment = %+v, want failed with both timestamps", failed)
			}
			if failed.ToolResult == nil || failed.ToolResult.Status != "error" {
				t.Fatalf("tool result = %+v, want error", failed.ToolResult)
			}
			stored, _ := h.svc.Get(context.Background(), d.ID)
			if stored.Status != StatusFailed {
				t.Fatalf("stored status = %s, want failed", stored.Status)
			}
			subj := h.publisher.subjects()
			if subj[len(subj)-1] != SubjectDeploymentFailed {
				t.Fatalf("last event = %s, want failed", subj[len(subj)-1])
			}
		})
	}
}

func TestStartRecordsFailureAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	d := h.create(t, ModeMulticast, "m1", "m2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.tool.during = cancel
	h.tool.startErr = &drbl.CommandError{Command: []string{"dcs"}, ExitCode: 1, Stderr: "interrupted"}

	if _, err := h.svc.Start(ctx, d.ID); !errors.Is(err, ErrToolCommand) {
		t.Fatalf("Start error = %v, want ErrToolCommand", err)
	}
	stored, err := h.svc.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusFailed || stored.CompletedAt == nil {
		t.Fatalf("stored = %s completed_at=%v, want failed with completed_at", stored.Status, stored.CompletedAt)
	}
	if stored.ToolResult == nil || stored.ToolResult.Status != "error" {
		t.Fatalf("tool result = %+v, want error", stored.ToolResult)
	}
	subj := h.publisher.subjects()
	if subj[len(subj)-1] != SubjectDeploymentFailed {
		t.Fatalf("last event = %s, want failed", subj[len(subj)-1])
	}
}

func TestStartRecordsToolResultAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	d := h.create(t, ModeMulticast, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.tool.during = cancel

	started, err := h.svc.Start(ctx, d.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != StatusRunning || started.ToolResult == nil {
		t.Fatalf("started = %+v, want running with tool result", started)
	}
	stored, _ := h.svc.Get(context.Background(), d.ID)
	if stored.ToolResult == nil || stored.ToolResult.Status != string(drbl.StatusStarted) {
		t.Fatalf("stored tool result = %+v", stored.ToolResult)
	}
}

func TestStartUnicastImagesEachTarget(t *testing.T) {
	h := newHarness(t)
	d := h.create(t, ModeUnicast, "m3", "m1")

	if _, err := h.svc.Start(context.Background(), d.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := []string{"aa:bb:cc:00:00:03", "aa:bb:cc:00:00:01"}
	if !reflect.DeepEqual(h.tool.unicast, want) {
		t.Fatalf("unicast targets = %v, want %v", h.tool.unicast, want)
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	pending := h.create(t, ModeMulticast, "m1")

	if _, err := h.svc.Stop(context.Background(), pending.ID); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("Stop pending error = %v, want ErrStateConflict", err)
	}
	if h.tool.stops != 0 {
		t.Fatalf("tool stopped for rejected request")
	}

	h.tool.stopErr = errors.New("pkill: permission denied")
	running := h.started(t, "m1", "m2")
	stopped, err := h.svc.Stop(context.Background(), running.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != StatusFailed || stopped.CompletedAt == nil {
		t.Fatalf("stopped = %+v, want failed with completed_at", stopped)
	}
	if h.tool.stops != 1 {
		t.Fatalf("tool stops = %d, want 1", h.tool.stops)
	}

	if _, err := h.svc.Stop(context.Background(), running.ID); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("Stop failed deployment error = %v, want ErrStateConflict", err)
	}
}

func TestStopRecordsToolResultAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	running := h.started(t, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.tool.during = cancel

	if _, err := h.svc.Stop(ctx, running.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stored, _ := h.svc.Get(context.Background(), running.ID)
	if stored.Status != StatusFailed || stored.CompletedAt == nil {
		t.Fatalf("stored = %s, want failed with completed_at", stored.Status)
	}
	if stored.ToolResult == nil || stored.ToolResult.Status != string(drbl.StatusStopped) {
		t.Fatalf("stored tool result = %+v, want stopped", stored.ToolResult)
	}
	subj := h.publisher.subjects()
	if subj[len(subj)-1] != SubjectDeploymentStopped {
		t.Fatalf("last event = %s, want stopped", subj[len(subj)-1])
	}
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.create(t, ModeMulticast, "m1", "m2", "m3")
	if d.Status != StatusPending || d.Progress != 0 {
		t.Fatalf("created = %s/%d", d.Status, d.Progress)
	}

	d, err := h.svc.Start(ctx, d.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if d.Status != StatusRunning || d.StartedAt == nil {
		t.Fatalf("started = %+v", d)
	}

	steps := []struct {
		update       ProgressUpdate
		wantProgress int
		wantStatus   Status
	}{
		{ProgressUpdate{MachineID: "m1", Status: MachineCompleted, Progress: 100}, 33, StatusRunning},
		{ProgressUpdate{MachineID: "m2", Status: MachineCompleted, Progress: 100}, 67, StatusRunning},
		{ProgressUpdate{MachineID: "m3", Status: MachineFailed, Progress: 50, Error: "timeout"}, 83, StatusFailed},
	}
	for _, step := range steps {
		d, err = h.svc.UpdateProgress(ctx, d.ID, step.update)
		if err != nil {
			t.Fatalf("UpdateProgress(%s): %v", step.update.MachineID, err)
		}
		if d.Progress != step.wantProgress || d.Status != step.wantStatus {
			t.Fatalf("after %s: %d/%s, want %d/%s", step.update.MachineID, d.Progress, d.Status, step.wantProgress, step.wantStatus)
		}
		if d.Progress != AggregateProgress(d.Targets) {
			t.Fatalf("progress %d is not the derived aggregate", d.Progress)
		}
	}
	if d.CompletedAt == nil {
		t.Fatal("completed_at not set on failure")
	}
	m3, _ := d.Machine("m3")
	if m3.Error != "timeout" {
		t.Fatalf("m3 error = %q", m3.Error)
	}

	_, err = h.svc.UpdateProgress(ctx, d.ID, ProgressUpdate{MachineID: "m3", Status: MachineCompleted, Progress: 100})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("update after terminal error = %v, want ErrStateConflict", err)
	}

	want := []string{
		SubjectDeploymentCreated,
		SubjectDeploymentStarted,
		SubjectDeploymentProgress,
		SubjectDeploymentProgress,
		SubjectDeploymentProgress,
		SubjectDeploymentFailed,
	}
	if got := h.publisher.subjects(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestAllMachinesCompletedSetsCompletedAtOnce(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		clock := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
		o.Now = func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		}
	})
	ctx := context.Background()
	d := h.started(t, "m1", "m2", "m3", "m4")

	var completedAt time.Time
	for _, id := range d.TargetIDs() {
		var err error
		d, err = h.svc.UpdateProgress(ctx, d.ID, ProgressUpdate{MachineID: id, Status: MachineCompleted, Progress: 100})
		if err != nil {
			t.Fatalf("UpdateProgress(%s): %v", id, err)
		}
		if d.CompletedAt != nil && completedAt.IsZero() {
			completedAt = *d.CompletedAt
		}
	}
	if d.Status != StatusCompleted || d.Progress != 100 {
		t.Fatalf("final = %s/%d, want completed/100", d.Status, d.Progress)
	}
	if d.CompletedAt == nil || !d.CompletedAt.Equal(completedAt) {
		t.Fatalf("completed_at = %v, want %v", d.CompletedAt, completedAt)
	}
	if d.Duration() <= 0 {
		t.Fatalf("duration = %v, want positive", d.Duration())
	}
}

func TestUpdateProgressErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending := h.create(t, ModeMulticast, "m1")
	running := h.started(t, "m1", "m2")

	tests := []struct {
		name string
		id   uuid.UUID
		u    ProgressUpdate
		want error
	}{
		{"unknown deployment", uuid.New(), ProgressUpdate{MachineID: "m1", Status: MachineImaging}, ErrNotFound},
		{"unknown machine", running.ID, ProgressUpdate{MachineID: "m3", Status: MachineImaging}, ErrNotFound},
		{"pending deployment", pending.ID, ProgressUpdate{MachineID: "m1", Status: MachineImaging}, ErrStateConflict},
		{"bad status", running.ID, ProgressUpdate{MachineID: "m1", Status: "done"}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.UpdateProgress(ctx, tt.id, tt.u); !errors.Is(err, tt.want) {
				t.Fatalf("UpdateProgress error = %v, want %v", err, tt.want)
			}
		})
	}

	after, _ := h.svc.Get(ctx, running.ID)
	if !reflect.DeepEqual(after.Targets, running.Targets) || after.Progress != 0 {
		t.Fatalf("rejected updates changed deployment: %+v", after)
	}
}

func TestProgressInvariantHoldsAfterEveryUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.started(t, "m1", "m2", "m3")

	updates := []ProgressUpdate{
		{MachineID: "m1", Status: MachineImaging, Progress: 10},
		{MachineID: "m2", Status: MachineImaging, Progress: 45},
		{MachineID: "m1", Status: MachineImaging, Progress: 80},
		{MachineID: "m3", Status: MachineImaging, Progress: 5},
		{MachineID: "m2", Status: MachineCompleted, Progress: 90},
		{MachineID: "m1", Status: MachineImaging, Progress: 30},
		{MachineID: "m3", Status: MachineFailed, Progress: 60, Error: "disk error"},
	}
	last := d.Progress
	for i, u := range updates {
		var err error
		d, err = h.svc.UpdateProgress(ctx, d.ID, u)
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if d.Progress < last {
			t.Fatalf("update %d: progress fell from %d to %d", i, last, d.Progress)
		}
		last = d.Progress
		if d.Progress != AggregateProgress(d.Targets) {
			t.Fatalf("update %d: progress %d != aggregate %d", i, d.Progress, AggregateProgress(d.Targets))
		}
		if d.Progress == 100 && d.Status != StatusCompleted {
			t.Fatalf("update %d: progress reached 100 while %s", i, d.Status)
		}
	}
	if d.Status != StatusRunning {
		t.Fatalf("status = %s, want running while m1 is imaging", d.Status)
	}
	if m1, _ := d.Machine("m1"); m1.Progress != 80 {
		t.Fatalf("m1 progress = %d, want high-water mark 80", m1.Progress)
	}
}

func TestConcurrentProgressUpdates(t *testing.T) {
	const machines = 40
	h := newHarness(t)
	ids := make([]string, machines)
	for i := range ids {
		ids[i] = fmt.Sprintf("pc-%02d", i)
		h.inventory.Put(inventoryRecord(ids[i]))
	}
	d := h.started(t, ids...)

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, machines*2)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := h.svc.UpdateProgress(ctx, d.ID, ProgressUpdate{MachineID: id, Status: MachineImaging, Progress: 50}); err != nil {
				errs <- err
				return
			}
			if _, err := h.svc.UpdateProgress(ctx, d.ID, ProgressUpdate{MachineID: id, Status: MachineCompleted, Progress: 100}); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent update: %v", err)
	}

	final, err := h.svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusCompleted || final.Progress != 100 || final.CompletedAt == nil {
		t.Fatalf("final = %s/%d completed_at=%v, want completed/100", final.Status, final.Progress, final.CompletedAt)
	}
	for _, m := range final.Targets {
		if m.Status != MachineCompleted {
			t.Fatalf("machine %s = %s, lost update", m.MachineID, m.Status)
		}
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending := h.create(t, ModeMulticast, "m1")
	running := h.started(t, "m2")

	if err := h.svc.Delete(ctx, running.ID); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("Delete running error = %v, want ErrStateConflict", err)
	}
	if _, err := h.svc.Get(ctx, running.ID); err != nil {
		t.Fatalf("running deployment removed: %v", err)
	}

	if err := h.svc.Delete(ctx, pending.ID); err != nil {
		t.Fatalf("Delete pending: %v", err)
	}
	if _, err := h.svc.Get(ctx, pending.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get deleted error = %v, want ErrNotFound", err)
	}
	if err := h.svc.Delete(ctx, pending.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete error = %v, want ErrNotFound", err)
	}

	if _, err := h.svc.Stop(ctx, running.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.svc.Delete(ctx, running.ID); err != nil {
		t.Fatalf("Delete terminal: %v", err)
	}
}

func TestListActiveAndMetadata(t *testing.T) {
	clock := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	h := newHarness(t, func(o *Options) {
		o.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	})
	ctx := context.Background()

	first := h.create(t, ModeMulticast, "m1")
	second := h.started(t, "m2")
	third := h.started(t, "m3")
	if _, err := h.svc.Stop(ctx, third.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	all, err := h.svc.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != third.ID || all[2].ID != first.ID {
		t.Fatalf("List order = %v, want newest first", ids(all))
	}

	active, err := h.svc.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if got, want := ids(active), []uuid.UUID{second.ID, first.ID}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Active = %v, want %v", got, want)
	}

	failed, err := h.svc.List(ctx, ListFilter{Statuses: []Status{StatusFailed}, Limit: 5})
	if err != nil || len(failed) != 1 || failed[0].ID != third.ID {
		t.Fatalf("List failed = %v, %v", ids(failed), err)
	}
	if _, err := h.svc.List(ctx, ListFilter{Statuses: []Status{"archived"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("List bad status error = %v, want ErrValidation", err)
	}

	name, notes := "Room 204", "reimaged after exam week"
	updated, err := h.svc.UpdateMetadata(ctx, second.ID, MetadataUpdate{Name: &name, Notes: &notes})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if updated.Name != name || updated.Notes != notes || updated.Status != StatusRunning {
		t.Fatalf("updated = %+v", updated)
	}
	empty := " "
	if _, err := h.svc.UpdateMetadata(ctx, second.ID, MetadataUpdate{Name: &empty}); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty name error = %v, want ErrValidation", err)
	}
}

func TestListDefaultsToFifty(t *testing.T) {
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	h := newHarness(t, func(o *Options) {
		o.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	})
	ctx := context.Background()
	var newest Deployment
	for range 55 {
		newest = h.create(t, ModeMulticast, "m1")
	}

	list, err := h.svc.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != defaultListLimit || list[0].ID != newest.ID {
		t.Fatalf("List = %d entries, first %s; want %d, first %s", len(list), list[0].ID, defaultListLimit, newest.ID)
	}

	all, err := h.svc.List(ctx, ListFilter{Limit: 100})
	if err != nil || len(all) != 55 {
		t.Fatalf("List limit 100 = %d, %v; want 55", len(all), err)
	}
	active, err := h.svc.Active(ctx)
	if err != nil || len(active) != 55 {
		t.Fatalf("Active = %d, %v; want 55", len(active), err)
	}
}

func TestDescribeJoinsInventory(t *testing.T) {
	h := newHarness(t)
	d := h.create(t, ModeMulticast, "m1", "m3")

	detail, err := h.svc.Describe(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(detail.Machines) != 2 {
		t.Fatalf("machines = %d, want 2", len(detail.Machines))
	}
	if detail.Machines[0].PCName != "LAB-01" || detail.Machines[0].HasODJ {
		t.Fatalf("m1 detail = %+v", detail.Machines[0])
	}
	if detail.Machines[1].PCName != "LAB-03" || !detail.Machines[1].HasODJ || !detail.Machines[1].Registered {
		t.Fatalf("m3 detail = %+v", detail.Machines[1])
	}
}

func TestStatusReportsLiveToolState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending := h.create(t, ModeMulticast, "m1")

	report, err := h.svc.Status(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Tool != nil || report.Status != StatusPending {
		t.Fatalf("pending report = %+v, want no tool query", report)
	}

	h.tool.queryReport = drbl.StatusReport{Running: true, Progress: &drbl.Progress{Percentage: 91, Message: "Partclone 91%"}}
	running := h.started(t, "m1", "m2")
	if _, err := h.svc.UpdateProgress(ctx, running.ID, ProgressUpdate{MachineID: "m1", Status: MachineImaging, Progress: 20}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	report, err = h.svc.Status(ctx, running.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Tool == nil || !report.Tool.Running || report.Tool.Progress.Percentage != 91 {
		t.Fatalf("tool = %+v, want live running report", report.Tool)
	}
	if report.Progress != 10 {
		t.Fatalf("progress = %d, want derived 10 untouched by tool percentage", report.Progress)
	}
	stored, _ := h.svc.Get(ctx, running.ID)
	if stored.Progress != 10 {
		t.Fatalf("stored progress = %d after status query", stored.Progress)
	}
}

func TestToolOutputArchive(t *testing.T) {
	objects := &fakeObjectStore{}
	archiver, err := NewS3Archiver(objects, "tool-logs")
	if err != nil {
		t.Fatalf("NewS3Archiver: %v", err)
	}
	h := newHarness(t, func(o *Options) { o.Archiver = archiver })
	h.tool.stdout = "Starting multicast session\nclients: 2\n"
	ctx := context.Background()

	pending := h.create(t, ModeMulticast, "m1")
	if _, err := h.svc.ToolLogURL(ctx, pending.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ToolLogURL before start error = %v, want ErrNotFound", err)
	}

	d, err := h.svc.Start(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	key := d.ToolResult.ArchiveKey
	if !strings.HasPrefix(key, "deployments/"+d.ID.String()+"/start-") {
		t.Fatalf("archive key = %q", key)
	}

	url, err := h.svc.ToolLogURL(ctx, d.ID)
	if err != nil {
		t.Fatalf("ToolLogURL: %v", err)
	}
	if !strings.Contains(url, key) {
		t.Fatalf("url %q does not reference %q", url, key)
	}

	files := untar(t, objects.objects["tool-logs/"+key])
	if files["stdout.log"] != h.tool.stdout || files["stderr.log"] != "" {
		t.Fatalf("archived files = %v", files)
	}
}

func TestToolLogURLWithoutArchiver(t *testing.T) {
	h := newHarness(t)
	d := h.started(t, "m1")
	if _, err := h.svc.ToolLogURL(context.Background(), d.ID); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("error = %v, want ErrArchiveDisabled", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := newHarness(t, func(o *Options) { o.Metrics = metrics })
	ctx := context.Background()

	d := h.started(t, "m1")
	if _, err := h.svc.UpdateProgress(ctx, d.ID, ProgressUpdate{MachineID: "ghost", Status: MachineImaging}); err == nil {
		t.Fatal("expected unknown machine error")
	}
	if _, err := h.svc.UpdateProgress(ctx, d.ID, ProgressUpdate{MachineID: "m1", Status: MachineCompleted, Progress: 100}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("pending", "running")); got != 1 {
		t.Errorf("pending->running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("running", "completed")); got != 1 {
		t.Errorf("running->completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.toolInvocations.WithLabelValues("start", "ok")); got != 1 {
		t.Errorf("tool start ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.progressUpdates.WithLabelValues("not_found")); got != 1 {
		t.Errorf("progress not_found = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.progressUpdates.WithLabelValues("applied")); got != 1 {
		t.Errorf("progress applied = %v, want 1", got)
	}
}

func ids(ds []Deployment) []uuid.UUID {
	out := make([]uuid.UUID, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func untar(t *testing.T, data []byte) map[string]string {
	t.Helper()
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer decoder.Close()

	files := map[string]string{}
	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s: %v", header.Name, err)
		}
		files[header.Name] = string(body)
	}
	return files
}
