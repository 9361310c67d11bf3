package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps everything in process memory. Default backend for
// development and the zero-infrastructure deployment mode; data does not
// survive a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	cursors map[string]Cursor
	jobs    map[string]FetchJob
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		cursors: make(map[string]Cursor),
		jobs:    make(map[string]FetchJob),
	}
}

func (m *MemoryBackend) Initialize(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) Health(context.Context) error { return nil }

func (m *MemoryBackend) GetCursor(_ context.Context, peer string) (Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[peer]
	if !ok {
		return Cursor{}, &ErrNotFound{Key: peer}
	}
	return c, nil
}

func (m *MemoryBackend) SetCursor(_ context.Context, cursor Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cursor.Peer] = cursor
	return nil
}

func (m *MemoryBackend) DeleteCursor(_ context.Context, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, peer)
	return nil
}

func (m *MemoryBackend) ListCursors(context.Context) ([]Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Cursor, 0, len(m.cursors))
	for _, c := range m.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out, nil
}

func (m *MemoryBackend) GetJob(_ context.Context, id string) (FetchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return FetchJob{}, &ErrNotFound{Key: id}
	}
	return j, nil
}

func (m *MemoryBackend) SetJob(_ context.Context, job FetchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryBackend) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryBackend) ListJobs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
