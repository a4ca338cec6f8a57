package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pcdeploy/services/drbl"
	"pcdeploy/services/inventory"
)

const (
	actorSystem    = "orchestrator"
	toolOpStart    = "start"
	toolOpStop     = "stop"
	toolOpQuery    = "query"
	defaultMaxWait = 300 * time.Second

	// defaultListLimit applies when List is called without a limit.
	defaultListLimit = 50
	// recordTimeout bounds the bookkeeping that follows a tool call.
	recordTimeout = 10 * time.Second
)

// Inventory resolves target machine ids (PC serials).
type Inventory interface {
	Resolve(ctx context.Context, serial string) (inventory.MachineRecord, bool, error)
}

// ImageRegistry reports whether an image name is deployable.
type ImageRegistry interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// ImagingTool is the subset of *drbl.Client the service drives.
type ImagingTool interface {
	StartMulticast(ctx context.Context, imageName string, clientsToWait int, maxWait time.Duration) (drbl.Result, error)
	StartUnicast(ctx context.Context, imageName, targetAddress string) (drbl.Result, error)
	Stop(ctx context.Context) (drbl.Result, error)
	QueryStatus(ctx context.Context) (drbl.StatusReport, error)
}

// Options wires a Service. Store, Inventory, Images and Tool are required.
type Options struct {
	Store     Store
	Inventory Inventory
	Images    ImageRegistry
	Tool      ImagingTool
	Publisher Publisher
	Archiver  Archiver
	Metrics   *Metrics
	Logger    *log.Logger

	// MulticastMaxWait bounds a multicast start. Zero uses 300s.
	MulticastMaxWait time.Duration
	Now              func() time.Time
}

// Service is the deployment control surface. Mutations of one deployment
// are serialized; different deployments proceed in parallel.
type Service struct {
	store     Store
	inventory Inventory
	images    ImageRegistry
	tool      ImagingTool
	publisher Publisher
	archiver  Archiver
	metrics   *Metrics
	logger    *log.Logger
	tracer    trace.Tracer
	maxWait   time.Duration
	now       func() time.Time
	locks     *keyedMutex
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Inventory == nil {
		return nil, errors.New("inventory is required")
	}
	if opts.Images == nil {
		return nil, errors.New("image registry is required")
	}
	if opts.Tool == nil {
		return nil, errors.New("imaging tool is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "", 0)
	}
	if opts.MulticastMaxWait <= 0 {
		opts.MulticastMaxWait = defaultMaxWait
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		store:     opts.Store,
		inventory: opts.Inventory,
		images:    opts.Images,
		tool:      opts.Tool,
		publisher: opts.Publisher,
		archiver:  opts.Archiver,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		tracer:    otel.Tracer("pcdeploy/orchestrator"),
		maxWait:   opts.MulticastMaxWait,
		now:       opts.Now,
		locks:     newKeyedMutex(),
	}, nil
}

// CreateRequest holds the inputs for Create.
type CreateRequest struct {
	Name      string   `json:"name"`
	ImageName string   `json:"image_name"`
	Mode      Mode     `json:"mode"`
	TargetIDs []string `json:"target_ids"`
	CreatedBy string   `json:"created_by,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// Create validates the request and persists a pending deployment. Every
// unresolvable target is reported in one error.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Deployment, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Create")
	defer span.End()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Deployment{}, invalid("name", "is required")
	}
	if !req.Mode.Valid() {
		allowed := make([]string, len(Modes))
		for i, m := range Modes {
			allowed[i] = string(m)
		}
		return Deployment{}, &ValidationError{Field: "mode", Values: []string{string(req.Mode)}, Allowed: allowed}
	}

	imageName := strings.TrimSpace(req.ImageName)
	if imageName == "" {
		return Deployment{}, invalid("image_name", "is required")
	}
	ok, err := s.images.Exists(ctx, imageName)
	if err != nil {
		return Deployment{}, fmt.Errorf("look up image %q: %w", imageName, err)
	}
	if !ok {
		return Deployment{}, invalid("image_name", "image not found", imageName)
	}

	targets, err := s.resolveTargets(ctx, req.TargetIDs, req.Mode)
	if err != nil {
		return Deployment{}, err
	}

	d := newDeployment(uuid.New(), name, imageName, req.Mode, targets, strings.TrimSpace(req.CreatedBy), req.Notes, s.now())
	if err := s.store.Create(ctx, d); err != nil {
		span.RecordError(err)
		return Deployment{}, fmt.Errorf("persist deployment: %w", err)
	}

	span.SetAttributes(attribute.String("deployment.id", d.ID.String()), attribute.Int("deployment.targets", len(targets)))
	s.logger.Printf("INFO deployment %s created: %s (%s, %d machines)", d.ID, d.Name, d.Mode, len(targets))
	s.publish(ctx, SubjectDeploymentCreated, nil, d, "", d.CreatedBy)
	return d, nil
}

func (s *Service) resolveTargets(ctx context.Context, ids []string, mode Mode) ([]string, error) {
	if len(ids) == 0 {
		return nil, invalid("target_ids", "at least one target is required")
	}

	seen := make(map[string]bool, len(ids))
	var blank bool
	var duplicates, unknown, noMAC []string
	targets := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			blank = true
			continue
		}
		if seen[id] {
			duplicates = append(duplicates, id)
			continue
		}
		seen[id] = true

		rec, ok, err := s.inventory.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve target %q: %w", id, err)
		}
		switch {
		case !ok:
			unknown = append(unknown, id)
		case mode == ModeUnicast && rec.MACAddress == "":
			noMAC = append(noMAC, id)
		}
		targets = append(targets, id)
	}

	switch {
	case blank:
		return nil, invalid("target_ids", "target ids must not be empty")
	case len(duplicates) > 0:
		return nil, invalid("target_ids", "duplicate targets", duplicates...)
	case len(unknown) > 0:
		return nil, invalid("target_ids", "machines not found in inventory", unknown...)
	case len(noMAC) > 0:
		return nil, invalid("target_ids", "unicast targets need a MAC address", noMAC...)
	}
	return targets, nil
}

// Start moves a pending deployment to running and invokes the imaging tool.
// If the tool rejects the request or fails, the deployment ends failed and
// the tool error is returned alongside it.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (Deployment, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Start", trace.WithAttributes(attribute.String("deployment.id", id.String())))
	defer span.End()

	unlock := s.locks.lock(id)
	defer unlock()

	var before Deployment
	d, err := s.store.Update(ctx, id, func(d *Deployment) error {
		before = d.Clone()
		return d.begin(s.now())
	})
	if err != nil {
		return Deployment{}, err
	}
	s.metrics.transition(before.Status, d.Status)
	s.logger.Printf("INFO deployment %s started (%s, image %s)", d.ID, d.Mode, d.ImageName)

	res, toolErr := s.invokeStart(ctx, d)

	// The tool has already acted; record what happened even if the caller
	// has gone away.
	ctx, cancel := detached(ctx)
	defer cancel()
	outcome := s.outcome(ctx, d.ID, toolOpStart, res, toolErr)

	if toolErr != nil {
		span.RecordError(toolErr)
		span.SetStatus(codes.Error, toolErr.Error())
		s.logger.Printf("ERROR deployment %s failed to start: %v", d.ID, toolErr)

		failed, err := s.store.Update(ctx, id, func(d *Deployment) error {
			d.fail(s.now())
			d.ToolResult = outcome
			return nil
		})
		if err != nil {
			return Deployment{}, errors.Join(toolErr, fmt.Errorf("record start failure: %w", err))
		}
		s.metrics.transition(d.Status, failed.Status)
		s.publish(ctx, SubjectDeploymentFailed, &before, failed, "", actorSystem)
		return failed, toolErr
	}

	d, err = s.store.Update(ctx, id, func(d *Deployment) error {
		d.ToolResult = outcome
		d.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return Deployment{}, fmt.Errorf("record tool result: %w", err)
	}
	s.publish(ctx, SubjectDeploymentStarted, &before, d, "", actorSystem)
	return d, nil
}

func (s *Service) invokeStart(ctx context.Context, d Deployment) (drbl.Result, error) {
	began := time.Now()
	var (
		res drbl.Result
		err error
	)
	switch d.Mode {
	case ModeMulticast:
		res, err = s.tool.StartMulticast(ctx, d.ImageName, len(d.Targets), s.maxWait)
	case ModeUnicast:
		res, err = s.startUnicast(ctx, d)
	default:
		err = fmt.Errorf("%w: unsupported mode %q", ErrToolConfig, d.Mode)
	}
	s.metrics.tool(toolOpStart, res.Simulated, err, time.Since(began))
	return res, err
}

// startUnicast images each target in creation order and stops at the first
// failure.
func (s *Service) startUnicast(ctx context.Context, d Deployment) (drbl.Result, error) {
	var combined drbl.Result
	var stdout, stderr []string
	for _, target := range d.Targets {
		rec, ok, err := s.inventory.Resolve(ctx, target.MachineID)
		if err != nil {
			return combined, fmt.Errorf("resolve target %q: %w", target.MachineID, err)
		}
		if !ok || rec.MACAddress == "" {
			return combined, fmt.Errorf("%w: no MAC address for target %s", ErrToolConfig, target.MachineID)
		}
		res, err := s.tool.StartUnicast(ctx, d.ImageName, rec.MACAddress)
		if err != nil {
			return combined, err
		}
		if combined.StartedAt.IsZero() {
			combined = res
		}
		combined.Simulated = combined.Simulated || res.Simulated
		if res.Stdout != "" {
			stdout = append(stdout, res.Stdout)
		}
		if res.Stderr != "" {
			stderr = append(stderr, res.Stderr)
		}
	}
	combined.Message = fmt.Sprintf("unicast sessions for %d clients", len(d.Targets))
	combined.Stdout = strings.Join(stdout, "\n")
	combined.Stderr = strings.Join(stderr, "\n")
	return combined, nil
}

// outcome summarizes a tool call and archives its output when there is any.
func (s *Service) outcome(ctx context.Context, id uuid.UUID, op string, res drbl.Result, toolErr error) *ToolOutcome {
	out := &ToolOutcome{
		Status:    string(res.Status),
		Simulated: res.Simulated,
		Message:   res.Message,
		At:        s.now(),
	}
	if toolErr != nil {
		out.Status = "error"
		out.Message = toolErr.Error()
		var cmdErr *drbl.CommandError
		if errors.As(toolErr, &cmdErr) && res.Stderr == "" {
			res.Stderr = cmdErr.Stderr
		}
	}

	if s.archiver == nil || (res.Stdout == "" && res.Stderr == "") {
		return out
	}
	key, err := s.archiver.Archive(ctx, id, op, res)
	if err != nil {
		s.logger.Printf("WARN archive %s output for deployment %s: %v", op, id, err)
		return out
	}
	out.ArchiveKey = key
	return out
}

// detached keeps ctx values (trace span, request id) but drops its
// cancellation, so post-tool writes cannot be abandoned half way.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// Stop fails an in-flight deployment and asks the imaging tool to halt. A
// tool error is logged and recorded but never changes the outcome.
func (s *Service) Stop(ctx context.Context, id uuid.UUID) (Deployment, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Stop", trace.WithAttributes(attribute.String("deployment.id", id.String())))
	defer span.End()

	unlock := s.locks.lock(id)
	defer unlock()

	var before Deployment
	d, err := s.store.Update(ctx, id, func(d *Deployment) error {
		before = d.Clone()
		return d.halt(s.now())
	})
	if err != nil {
		return Deployment{}, err
	}
	s.metrics.transition(before.Status, d.Status)

	began := time.Now()
	res, toolErr := s.tool.Stop(ctx)
	s.metrics.tool(toolOpStop, res.Simulated, toolErr, time.Since(began))

	ctx, cancel := detached(ctx)
	defer cancel()
	if toolErr != nil {
		span.RecordError(toolErr)
		s.logger.Printf("WARN imaging tool stop for deployment %s: %v", id, toolErr)
	}
	outcome := s.outcome(ctx, id, toolOpStop, res, toolErr)

	d, err = s.store.Update(ctx, id, func(d *Deployment) error {
		d.ToolResult = outcome
		d.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return Deployment{}, fmt.Errorf("record tool result: %w", err)
	}

	s.logger.Printf("INFO deployment %s stopped", id)
	s.publish(ctx, SubjectDeploymentStopped, &before, d, "", actorSystem)
	return d, nil
}

// UpdateProgress applies one machine's report and recomputes the aggregate.
func (s *Service) UpdateProgress(ctx context.Context, id uuid.UUID, u ProgressUpdate) (Deployment, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.UpdateProgress", trace.WithAttributes(
		attribute.String("deployment.id", id.String()),
		attribute.String("machine.id", u.MachineID),
	))
	defer span.End()

	unlock := s.locks.lock(id)
	defer unlock()

	var before Deployment
	d, err := s.store.Update(ctx, id, func(d *Deployment) error {
		before = d.Clone()
		return Reconcile(d, u, s.now())
	})
	s.metrics.progress(err)
	if err != nil {
		return Deployment{}, err
	}
	s.metrics.transition(before.Status, d.Status)

	s.publish(ctx, SubjectDeploymentProgress, &before, d, u.MachineID, actorSystem)
	switch {
	case d.Status == StatusCompleted && before.Status != StatusCompleted:
		s.logger.Printf("INFO deployment %s completed", d.ID)
		s.publish(ctx, SubjectDeploymentCompleted, &before, d, "", actorSystem)
	case d.Status == StatusFailed && before.Status != StatusFailed:
		s.logger.Printf("WARN deployment %s failed: every machine finished, at least one failed", d.ID)
		s.publish(ctx, SubjectDeploymentFailed, &before, d, "", actorSystem)
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (Deployment, error) {
	return s.store.Get(ctx, id)
}

// List returns deployments newest first. Without a limit it returns at most
// defaultListLimit entries.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Deployment, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			allowed := make([]string, len(Statuses))
			for i, known := range Statuses {
				allowed[i] = string(known)
			}
			return nil, &ValidationError{Field: "status", Values: []string{string(st)}, Allowed: allowed}
		}
	}
	if filter.Limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	return s.store.List(ctx, filter)
}

// Active lists deployments that have not reached a terminal state, newest
// first.
func (s *Service) Active(ctx context.Context) ([]Deployment, error) {
	return s.store.List(ctx, ListFilter{Statuses: []Status{StatusPending, StatusRunning, StatusPartial}})
}

// Delete removes a deployment that is not in flight.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.lock(id)
	defer unlock()

	var removed Deployment
	err := s.store.Delete(ctx, id, func(d Deployment) error {
		if d.Status.InFlight() {
			return &StateError{Op: "delete", Current: d.Status, Required: []Status{StatusPending, StatusCompleted, StatusFailed}}
		}
		removed = d
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Printf("INFO deployment %s deleted", id)
	s.publish(ctx, SubjectDeploymentDeleted, nil, removed, "", actorSystem)
	return nil
}

// MetadataUpdate changes descriptive fields only. Nil fields are left as is.
type MetadataUpdate struct {
	Name  *string `json:"name,omitempty"`
	Notes *string `json:"notes,omitempty"`
}

func (s *Service) UpdateMetadata(ctx context.Context, id uuid.UUID, upd MetadataUpdate) (Deployment, error) {
	var name string
	if upd.Name != nil {
		name = strings.TrimSpace(*upd.Name)
		if name == "" {
			return Deployment{}, invalid("name", "must not be empty")
		}
	}

	unlock := s.locks.lock(id)
	defer unlock()

	var before Deployment
	d, err := s.store.Update(ctx, id, func(d *Deployment) error {
		before = d.Clone()
		if upd.Name != nil {
			d.Name = name
		}
		if upd.Notes != nil {
			d.Notes = *upd.Notes
		}
		d.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return Deployment{}, err
	}
	s.publish(ctx, SubjectDeploymentUpdated, &before, d, "", actorSystem)
	return d, nil
}

// MachineDetail joins a target's sub-state with its inventory record.
type MachineDetail struct {
	MachineState
	PCName     string `json:"pcname,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	HasODJ     bool   `json:"has_odj"`
	Registered bool   `json:"registered"`
}

// Detail is a deployment with its targets resolved against the inventory.
type Detail struct {
	Deployment
	Machines []MachineDetail `json:"machines"`
}

// Describe returns the deployment with inventory details for each target.
// Machines removed from the inventory after creation are reported with
// Registered=false.
func (s *Service) Describe(ctx context.Context, id uuid.UUID) (Detail, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	out := Detail{Deployment: d, Machines: make([]MachineDetail, len(d.Targets))}
	for i, m := range d.Targets {
		md := MachineDetail{MachineState: m}
		rec, ok, err := s.inventory.Resolve(ctx, m.MachineID)
		if err != nil {
			return Detail{}, fmt.Errorf("resolve target %q: %w", m.MachineID, err)
		}
		if ok {
			md.Registered = true
			md.PCName = rec.PCName
			md.MACAddress = rec.MACAddress
			md.HasODJ = rec.HasODJ()
		}
		out.Machines[i] = md
	}
	return out, nil
}

// StatusReport is a deployment's stored state plus a live look at the
// imaging tool.
type StatusReport struct {
	DeploymentID    uuid.UUID          `json:"deployment_id"`
	Status          Status             `json:"status"`
	Progress        int                `json:"progress"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	ElapsedSeconds  int64              `json:"elapsed_seconds,omitempty"`
	DurationSeconds int64              `json:"duration_seconds,omitempty"`
	Tool            *drbl.StatusReport `json:"tool,omitempty"`
	ToolError       string             `json:"tool_error,omitempty"`
}

// Status reports the deployment together with the imaging tool's live
// status. The tool's percentage is informational and never replaces the
// derived progress.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (StatusReport, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	now := s.now()
	report := StatusReport{
		DeploymentID:    d.ID,
		Status:          d.Status,
		Progress:        d.Progress,
		StartedAt:       d.StartedAt,
		CompletedAt:     d.CompletedAt,
		ElapsedSeconds:  int64(d.Elapsed(now).Seconds()),
		DurationSeconds: int64(d.Duration().Seconds()),
	}
	if !d.Status.InFlight() {
		return report, nil
	}

	began := time.Now()
	live, err := s.tool.QueryStatus(ctx)
	s.metrics.tool(toolOpQuery, live.Simulated, err, time.Since(began))
	if err != nil {
		s.logger.Printf("WARN query imaging tool status for deployment %s: %v", id, err)
		report.ToolError = err.Error()
		return report, nil
	}
	report.Tool = &live
	return report, nil
}

// ToolLogURL returns a short-lived download link for the archived output of
// the deployment's last tool invocation.
func (s *Service) ToolLogURL(ctx context.Context, id uuid.UUID) (string, error) {
	if s.archiver == nil {
		return "", ErrArchiveDisabled
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if d.ToolResult == nil || d.ToolResult.ArchiveKey == "" {
		return "", fmt.Errorf("tool output for deployment %s: %w", id, ErrNotFound)
	}
	return s.archiver.URL(ctx, d.ToolResult.ArchiveKey, defaultLogURLTTL)
}
