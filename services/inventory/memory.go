package inventory

import (
	"context"
	"sync"
)

// Memory is an in-process inventory used by tests and local runs.
type Memory struct {
	mu      sync.RWMutex
	records map[string]MachineRecord
}

// NewMemory returns a Memory seeded with records.
func NewMemory(records ...MachineRecord) *Memory {
	m := &Memory{records: make(map[string]MachineRecord, len(records))}
	for _, rec := range records {
		m.records[rec.Serial] = rec
	}
	return m
}

// Put adds or replaces a record.
func (m *Memory) Put(rec MachineRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Serial] = rec
}

func (m *Memory) Resolve(ctx context.Context, serial string) (MachineRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return MachineRecord{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[serial]
	return rec, ok, nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}
