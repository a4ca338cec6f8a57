package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps deployments in process. It backs tests and single-node
// runs without Postgres.
type MemoryStore struct {
	mu          sync.Mutex
	deployments map[uuid.UUID]Deployment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deployments: make(map[uuid.UUID]Deployment)}
}

func (s *MemoryStore) Create(ctx context.Context, d Deployment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[d.ID]; ok {
		return fmt.Errorf("deployment %s already exists", d.ID)
	}
	s.deployments[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Deployment, error) {
	if err := ctx.Err(); err != nil {
		return Deployment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return Deployment{}, deploymentNotFound(id)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		if !matchesStatus(d.Status, filter.Statuses) {
			continue
		}
		out = append(out, d.Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, fn func(*Deployment) error) (Deployment, error) {
	if err := ctx.Err(); err != nil {
		return Deployment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.deployments[id]
	if !ok {
		return Deployment{}, deploymentNotFound(id)
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return Deployment{}, err
	}
	s.deployments[id] = working.Clone()
	return working, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID, fn func(Deployment) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.deployments[id]
	if !ok {
		return deploymentNotFound(id)
	}
	if fn != nil {
		if err := fn(current.Clone()); err != nil {
			return err
		}
	}
	delete(s.deployments, id)
	return nil
}

func matchesStatus(s Status, allowed []Status) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func deploymentNotFound(id uuid.UUID) error {
	return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
}
