package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type deploymentModel struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Name        string         `gorm:"type:text;not null"`
	ImageName   string         `gorm:"type:text;not null"`
	Mode        string         `gorm:"type:text;not null"`
	Status      string         `gorm:"type:text;not null"`
	Progress    int            `gorm:"type:integer;not null"`
	CreatedBy   string         `gorm:"type:text"`
	Notes       string         `gorm:"type:text"`
	ToolResult  datatypes.JSON `gorm:"type:jsonb"`
	StartedAt   *time.Time     `gorm:"type:timestamptz"`
	CompletedAt *time.Time     `gorm:"type:timestamptz"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null"`
	UpdatedAt   time.Time      `gorm:"type:timestamptz;not null"`
}

func (deploymentModel) TableName() string { return "deployments" }

type deploymentMachineModel struct {
	DeploymentID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Position     int       `gorm:"type:integer;primaryKey"`
	MachineID    string    `gorm:"type:text;not null"`
	Status       string    `gorm:"type:text;not null"`
	Progress     int       `gorm:"type:integer;not null"`
	Error        string    `gorm:"type:text"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;not null"`
}

func (deploymentMachineModel) TableName() string { return "deployment_machines" }

// GormStore persists deployments in Postgres. Update and Delete lock the
// deployment row for the duration of the transaction.
type GormStore struct {
	orm *gorm.DB
}

func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm}, nil
}

func (s *GormStore) Create(ctx context.Context, d Deployment) error {
	model, machines, err := toModels(d)
	if err != nil {
		return err
	}
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(machines) == 0 {
			return nil
		}
		return tx.Create(&machines).Error
	})
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (Deployment, error) {
	return s.load(s.orm.WithContext(ctx), id, false)
}

func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]Deployment, error) {
	q := s.orm.WithContext(ctx).Model(&deploymentModel{}).Order("created_at DESC").Order("id DESC")
	if len(filter.Statuses) > 0 {
		names := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			names[i] = string(st)
		}
		q = q.Where("status IN ?", names)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []deploymentModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []Deployment{}, nil
	}

	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	var machines []deploymentMachineModel
	if err := s.orm.WithContext(ctx).
		Where("deployment_id IN ?", ids).
		Order("deployment_id").Order("position").
		Find(&machines).Error; err != nil {
		return nil, err
	}
	byDeployment := make(map[uuid.UUID][]deploymentMachineModel, len(rows))
	for _, m := range machines {
		byDeployment[m.DeploymentID] = append(byDeployment[m.DeploymentID], m)
	}

	out := make([]Deployment, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDomain(byDeployment[row.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *GormStore) Update(ctx context.Context, id uuid.UUID, fn func(*Deployment) error) (Deployment, error) {
	var updated Deployment
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(tx, id, true)
		if err != nil {
			return err
		}
		before := current.Clone()
		if err := fn(&current); err != nil {
			return err
		}

		model, machines, err := toModels(current)
		if err != nil {
			return err
		}
		if err := tx.Model(&deploymentModel{}).Where("id = ?", id).Updates(map[string]any{
			"name":         model.Name,
			"status":       model.Status,
			"progress":     model.Progress,
			"notes":        model.Notes,
			"tool_result":  model.ToolResult,
			"started_at":   model.StartedAt,
			"completed_at": model.CompletedAt,
			"updated_at":   model.UpdatedAt,
		}).Error; err != nil {
			return err
		}

		for i, m := range machines {
			if i < len(before.Targets) && before.Targets[i] == current.Targets[i] {
				continue
			}
			if err := tx.Model(&deploymentMachineModel{}).
				Where("deployment_id = ? AND position = ?", id, m.Position).
				Updates(map[string]any{
					"status":     m.Status,
					"progress":   m.Progress,
					"error":      m.Error,
					"updated_at": m.UpdatedAt,
				}).Error; err != nil {
				return err
			}
		}

		updated = current
		return nil
	})
	if err != nil {
		return Deployment{}, err
	}
	return updated, nil
}

func (s *GormStore) Delete(ctx context.Context, id uuid.UUID, fn func(Deployment) error) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(tx, id, true)
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(current); err != nil {
				return err
			}
		}
		if err := tx.Where("deployment_id = ?", id).Delete(&deploymentMachineModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&deploymentModel{}).Error
	})
}

func (s *GormStore) load(tx *gorm.DB, id uuid.UUID, lock bool) (Deployment, error) {
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row deploymentModel
	if err := q.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Deployment{}, deploymentNotFound(id)
		}
		return Deployment{}, err
	}

	var machines []deploymentMachineModel
	if err := tx.Where("deployment_id = ?", id).Order("position").Find(&machines).Error; err != nil {
		return Deployment{}, err
	}
	return row.toDomain(machines)
}

func toModels(d Deployment) (deploymentModel, []deploymentMachineModel, error) {
	var tool datatypes.JSON
	if d.ToolResult != nil {
		raw, err := json.Marshal(d.ToolResult)
		if err != nil {
			return deploymentModel{}, nil, err
		}
		tool = datatypes.JSON(raw)
	}

	model := deploymentModel{
		ID:          d.ID,
		Name:        d.Name,
		ImageName:   d.ImageName,
		Mode:        string(d.Mode),
		Status:      string(d.Status),
		Progress:    d.Progress,
		CreatedBy:   d.CreatedBy,
		Notes:       d.Notes,
		ToolResult:  tool,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}

	machines := make([]deploymentMachineModel, len(d.Targets))
	for i, m := range d.Targets {
		machines[i] = deploymentMachineModel{
			DeploymentID: d.ID,
			Position:     i,
			MachineID:    m.MachineID,
			Status:       string(m.Status),
			Progress:     m.Progress,
			Error:        m.Error,
			UpdatedAt:    m.UpdatedAt,
		}
	}
	return model, machines, nil
}

func (m deploymentModel) toDomain(machines []deploymentMachineModel) (Deployment, error) {
	d := Deployment{
		ID:          m.ID,
		Name:        m.Name,
		ImageName:   m.ImageName,
		Mode:        Mode(m.Mode),
		Status:      Status(m.Status),
		Progress:    m.Progress,
		CreatedBy:   m.CreatedBy,
		Notes:       m.Notes,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		Targets:     make([]MachineState, len(machines)),
	}
	if len(m.ToolResult) > 0 {
		var tool ToolOutcome
		if err := json.Unmarshal(m.ToolResult, &tool); err != nil {
			return Deployment{}, err
		}
		d.ToolResult = &tool
	}
	for i, mm := range machines {
		d.Targets[i] = MachineState{
			MachineID: mm.MachineID,
			Status:    MachineStatus(mm.Status),
			Progress:  mm.Progress,
			Error:     mm.Error,
			UpdatedAt: mm.UpdatedAt,
		}
	}
	return d, nil
}
