package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps definitions in process memory. Used by tests and by
// serve mode when no database path is configured.
type MemoryRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*StoredWorkflow
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{workflows: make(map[string]*StoredWorkflow)}
}

func (r *MemoryRegistry) Put(ctx context.Context, wf *StoredWorkflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored := *wf
	stored.UpdatedAt = now
	if existing, ok := r.workflows[wf.Name]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	r.workflows[wf.Name] = &stored
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, name string) (*StoredWorkflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[name]
	if !ok {
		return nil, notFound(name)
	}
	copied := *wf
	return &copied, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*StoredWorkflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*StoredWorkflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		copied := *wf
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[name]; !ok {
		return notFound(name)
	}
	delete(r.workflows, name)
	return nil
}

func (r *MemoryRegistry) Close() error { return nil }

var _ Registry = (*MemoryRegistry)(nil)
