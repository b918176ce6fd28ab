package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/nodeflow/core"
)

// MemoryStore is an in-memory WorkflowStore.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]core.Workflow
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]core.Workflow),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (core.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return core.Workflow{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.items[id]
	if !ok {
		return core.Workflow{}, ErrWorkflowNotFound
	}
	return cloneWorkflow(wf)
}

func (s *MemoryStore) List(ctx context.Context, userID string) ([]core.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Workflow, 0, len(s.items))
	for _, wf := range s.items {
		if userID != "" && wf.UserID != userID {
			continue
		}
		c, err := cloneWorkflow(wf)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b core.Workflow) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, wf core.Workflow) (core.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return core.Workflow{}, err
	}
	wf, err := prepare(wf)
	if err != nil {
		return core.Workflow{}, err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[wf.ID]; ok {
		return core.Workflow{}, ErrWorkflowExists
	}
	now := s.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	return s.put(wf)
}

func (s *MemoryStore) Update(ctx context.Context, id string, nodes []core.Node, connections []core.Connection) (core.Workflow, error) {
	return s.modify(ctx, id, func(wf *core.Workflow) {
		wf.Nodes = nodes
		wf.Connections = connections
	})
}

func (s *MemoryStore) Rename(ctx context.Context, id, name string) (core.Workflow, error) {
	return s.modify(ctx, id, func(wf *core.Workflow) {
		wf.Name = name
	})
}

func (s *MemoryStore) modify(ctx context.Context, id string, fn func(*core.Workflow)) (core.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return core.Workflow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.items[id]
	if !ok {
		return core.Workflow{}, ErrWorkflowNotFound
	}
	fn(&wf)
	wf, err := prepare(wf)
	if err != nil {
		return core.Workflow{}, err
	}
	wf.UpdatedAt = s.now()
	return s.put(wf)
}

// put stores a private copy of wf and returns another. Callers hold s.mu.
func (s *MemoryStore) put(wf core.Workflow) (core.Workflow, error) {
	stored, err := cloneWorkflow(wf)
	if err != nil {
		return core.Workflow{}, err
	}
	s.items[wf.ID] = stored
	return cloneWorkflow(stored)
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.items, id)
	return nil
}

var _ WorkflowStore = (*MemoryStore)(nil)
