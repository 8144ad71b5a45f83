package pkg

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"neon/api"
)

// StateRecorder persists node and link state on behalf of the manager. It
// is called after every transition, never before.
type StateRecorder interface {
	RecordNode(ctx context.Context, n api.Node) error
	RecordLink(ctx context.Context, l api.Link) error
}

// MemoryRecorder keeps the latest state and the full state history of
// every object in memory.
type MemoryRecorder struct {
	mu          sync.Mutex
	nodes       map[uuid.UUID]api.Node
	links       map[uuid.UUID]api.Link
	nodeHistory map[uuid.UUID][]api.NodeState
	linkHistory map[uuid.UUID][]api.LinkState
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		nodes:       make(map[uuid.UUID]api.Node),
		links:       make(map[uuid.UUID]api.Link),
		nodeHistory: make(map[uuid.UUID][]api.NodeState),
		linkHistory: make(map[uuid.UUID][]api.LinkState),
	}
}

func (r *MemoryRecorder) RecordNode(ctx context.Context, n api.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = n
	r.nodeHistory[n.ID] = append(r.nodeHistory[n.ID], n.State)
	return nil
}

func (r *MemoryRecorder) RecordLink(ctx context.Context, l api.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.ID] = l
	r.linkHistory[l.ID] = append(r.linkHistory[l.ID], l.State)
	return nil
}

func (r *MemoryRecorder) Node(id uuid.UUID) (api.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	return n, ok
}

func (r *MemoryRecorder) Link(id uuid.UUID) (api.Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	return l, ok
}

func (r *MemoryRecorder) NodeHistory(id uuid.UUID) []api.NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.NodeState(nil), r.nodeHistory[id]...)
}

func (r *MemoryRecorder) LinkHistory(id uuid.UUID) []api.LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.LinkState(nil), r.linkHistory[id]...)
}
