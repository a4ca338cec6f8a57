package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"pcdeploy/services/drbl"
	"pcdeploy/services/inventory"
)

type fakeImages map[string]bool

func (f fakeImages) Exists(_ context.Context, name string) (bool, error) {
	return f[name], nil
}

type fakeTool struct {
	mu          sync.Mutex
	multicast   []int
	unicast     []string
	stops       int
	startErr    error
	stopErr     error
	stdout      string
	queryReport drbl.StatusReport
	// during runs inside StartMulticast and Stop, before they return.
	during func()
}

func (f *fakeTool) run() {
	if f.during != nil {
		f.during()
	}
}

func (f *fakeTool) StartMulticast(_ context.Context, _ string, clients int, _ time.Duration) (drbl.Result, error) {
	f.run()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multicast = append(f.multicast, clients)
	if f.startErr != nil {
		return drbl.Result{}, f.startErr
	}
	return drbl.Result{Status: drbl.StatusStarted, StartedAt: time.Now().UTC(), Stdout: f.stdout}, nil
}

func (f *fakeTool) StartUnicast(_ context.Context, _ string, mac string) (drbl.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicast = append(f.unicast, mac)
	if f.startErr != nil {
		return drbl.Result{}, f.startErr
	}
	return drbl.Result{Status: drbl.StatusStarted, StartedAt: time.Now().UTC(), Stdout: f.stdout}, nil
}

func (f *fakeTool) Stop(context.Context) (drbl.Result, error) {
	f.run()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return drbl.Result{Status: drbl.StatusStopped}, f.stopErr
}

func (f *fakeTool) QueryStatus(context.Context) (drbl.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryReport, nil
}

type published struct {
	subject string
	event   Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, subj string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt, _ := v.(Event)
	p.events = append(p.events, published{subject: subj, event: evt})
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.subject
	}
	return out
}

type fakeObjectStore struct {
	objects map[string][]byte
	sums    map[string]string
}

func (f *fakeObjectStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("size mismatch: read %d, declared %d", n, size)
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
		f.sums = map[string]string{}
	}
	f.objects[bucket+"/"+key] = buf.Bytes()
	f.sums[bucket+"/"+key] = sha256
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://s3.test/%s/%s?ttl=%d", bucket, key, int(ttl.Seconds())), nil
}

type harness struct {
	svc       *Service
	store     *MemoryStore
	tool      *fakeTool
	inventory *inventory.Memory
	publisher *recordingPublisher
}

type harnessOption func(*Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store: NewMemoryStore(),
		tool:  &fakeTool{},
		inventory: inventory.NewMemory(
			inventory.MachineRecord{Serial: "m1", PCName: "LAB-01", MACAddress: "aa:bb:cc:00:00:01"},
			inventory.MachineRecord{Serial: "m2", PCName: "LAB-02", MACAddress: "aa:bb:cc:00:00:02"},
			inventory.MachineRecord{Serial: "m3", PCName: "LAB-03", MACAddress: "aa:bb:cc:00:00:03", ODJPath: "/srv/odj/LAB-03.txt"},
			inventory.MachineRecord{Serial: "m4", PCName: "LAB-04"},
		),
		publisher: &recordingPublisher{},
	}
	o := Options{
		Store:     h.store,
		Inventory: h.inventory,
		Images:    fakeImages{"win11-2025": true, "win10-2023": true},
		Tool:      h.tool,
		Publisher: h.publisher,
		Logger:    log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(&o)
	}
	svc, err := NewService(o)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) create(t *testing.T, mode Mode, targets ...string) Deployment {
	t.Helper()
	d, err := h.svc.Create(context.Background(), CreateRequest{
		Name:      "Lab refresh",
		ImageName: "win11-2025",
		Mode:      mode,
		TargetIDs: targets,
		CreatedBy: "ops",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func (h *harness) started(t *testing.T, targets ...string) Deployment {
	t.Helper()
	d := h.create(t, ModeMulticast, targets...)
	d, err := h.svc.Start(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d
}

func inventoryRecord(serial string) inventory.MachineRecord {
	return inventory.MachineRecord{Serial: serial, PCName: "PC-" + serial}
}
