package orchestrator

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows List results. A zero Limit means no limit to a Store;
// Service.List substitutes defaultListLimit.
type ListFilter struct {
	Statuses []Status
	Limit    int
}

// Store persists deployments. Implementations return ErrNotFound for
// missing ids and must make Update atomic: fn sees the current state and,
// when it returns nil, its mutation is written in full; otherwise nothing is.
type Store interface {
	Create(ctx context.Context, d Deployment) error
	Get(ctx context.Context, id uuid.UUID) (Deployment, error)
	List(ctx context.Context, filter ListFilter) ([]Deployment, error)
	Update(ctx context.Context, id uuid.UUID, fn func(*Deployment) error) (Deployment, error)
	Delete(ctx context.Context, id uuid.UUID, fn func(Deployment) error) error
}
