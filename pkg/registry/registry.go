// Package registry tracks the live execution contexts of a process group.
//
// Script code invoked from a registry iteration may synchronously register or
// remove contexts, including the one being visited. ForEach therefore walks a
// snapshot of the context arena and re-checks validity before each visit.
// Removed contexts are invalidated at once but their arena slot is only
// reclaimed on the next idle point of the loop, so native frames still on the
// stack keep a usable reference.
package registry

import (
	"fmt"

	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/loop"
	"github.com/baaaht/portmux/pkg/script"
	"github.com/baaaht/portmux/pkg/types"
)

// Registry tracks all live execution contexts of one process group. It is
// owned by a single loop and is not safe for concurrent use.
type Registry struct {
	arena      []*ExecutionContext
	index      map[types.ID]int
	tombstones int
	loop       *loop.Loop
	logger     *logger.Logger
	closed     bool
	stats      Stats
}

// Stats contains registry statistics
type Stats struct {
	Registered int64 `json:"registered"`
	Removed    int64 `json:"removed"`
	Destroyed  int64 `json:"destroyed"`
	Live       int   `json:"live"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("RegistryStats{Registered: %d, Removed: %d, Destroyed: %d, Live: %d}",
		s.Registered, s.Removed, s.Destroyed, s.Live)
}

// New creates an empty registry whose deferred destruction runs on l
func New(l *loop.Loop, log *logger.Logger) (*Registry, error) {
	if l == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "loop cannot be nil")
	}
	return &Registry{
		index:  make(map[types.ID]int),
		loop:   l,
		logger: logger.OrDefault(log).With("component", "context_registry"),
	}, nil
}

// Register adds a context to the registry
func (r *Registry) Register(ec *ExecutionContext) error {
	if r.closed {
		return types.NewError(types.ErrCodeUnavailable, "registry is closed")
	}
	if ec == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "context cannot be nil")
	}
	if !ec.valid {
		return types.NewError(types.ErrCodeFailedPrecondition, "context has been invalidated")
	}
	if _, exists := r.index[ec.id]; exists {
		return types.NewError(types.ErrCodeAlreadyExists, fmt.Sprintf("context already registered: %s", ec.id))
	}

	r.index[ec.id] = len(r.arena)
	r.arena = append(r.arena, ec)
	ec.registered = true
	r.stats.Registered++

	r.logger.Debug("Context registered",
		"context_id", ec.id,
		"owner_id", ec.owner,
		"host_frame", ec.hostFrame)
	return nil
}

// Remove invalidates a context. The sandbox gets its teardown callback
// first, while it is still valid; then its ports are closed and its
// invalidation hooks run. The arena slot is released on the next idle point.
func (r *Registry) Remove(ec *ExecutionContext) error {
	if ec == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "context cannot be nil")
	}
	if _, exists := r.index[ec.id]; !exists || !ec.valid {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("context not registered: %s", ec.id))
	}
	if ec.tearingDown {
		// removed from its own teardown callback; the outer Remove finishes the job
		return nil
	}

	r.teardown(ec)
	r.stats.Removed++

	if err := r.loop.Post(func() { r.destroy(ec) }); err != nil {
		r.destroy(ec)
	}

	r.logger.Debug("Context removed", "context_id", ec.id, "owner_id", ec.owner)
	return nil
}

func (r *Registry) teardown(ec *ExecutionContext) {
	if !ec.tearingDown {
		ec.tearingDown = true
		if _, err := ec.sandbox.Dispatch(script.EventTeardown); err != nil {
			r.logger.Warn("Teardown callback failed", "context_id", ec.id, "error", err)
		}
		ec.tearingDown = false
	}

	ec.ports.CloseAll()
	ec.invalidate()
}

// destroy tombstones the arena slot and compacts once half the arena is dead
func (r *Registry) destroy(ec *ExecutionContext) {
	slot, ok := r.index[ec.id]
	if !ok || r.arena[slot] != ec {
		return
	}
	r.arena[slot] = nil
	delete(r.index, ec.id)
	ec.registered = false
	r.tombstones++
	r.stats.Destroyed++

	if r.tombstones*2 >= len(r.arena) {
		r.compact()
	}
}

// compact rebuilds the arena without tombstones. Snapshots taken earlier keep
// pointing at the old backing array and are unaffected.
func (r *Registry) compact() {
	live := make([]*ExecutionContext, 0, len(r.arena)-r.tombstones)
	for _, ec := range r.arena {
		if ec != nil {
			r.index[ec.id] = len(live)
			live = append(live, ec)
		}
	}
	r.arena = live
	r.tombstones = 0
}

// ForEach calls fn for every valid context matching the filters, in
// registration order. An empty owner or host filter matches everything.
// The iteration walks a snapshot, so fn may register or remove contexts;
// contexts invalidated before their turn are skipped. Returning false from
// fn stops the iteration.
func (r *Registry) ForEach(owner types.OwnerID, hostFrame string, fn func(*ExecutionContext) bool) {
	snapshot := make([]*ExecutionContext, len(r.arena))
	copy(snapshot, r.arena)

	for _, ec := range snapshot {
		if ec == nil || !ec.valid {
			continue
		}
		if owner != "" && ec.owner != owner {
			continue
		}
		if hostFrame != "" && ec.hostFrame != hostFrame {
			continue
		}
		if !fn(ec) {
			return
		}
	}
}

// Get returns a valid registered context by id
func (r *Registry) Get(id types.ID) (*ExecutionContext, error) {
	slot, ok := r.index[id]
	if !ok || r.arena[slot] == nil || !r.arena[slot].valid {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("context not found: %s", id))
	}
	return r.arena[slot], nil
}

// Len returns the number of valid contexts
func (r *Registry) Len() int {
	n := 0
	for _, ec := range r.arena {
		if ec != nil && ec.valid {
			n++
		}
	}
	return n
}

// Stats returns registry statistics
func (r *Registry) Stats() Stats {
	stats := r.stats
	stats.Live = r.Len()
	return stats
}

// Close removes every context and rejects further registrations
func (r *Registry) Close() error {
	if r.closed {
		return types.NewError(types.ErrCodeInvalid, "registry already closed")
	}
	r.closed = true

	r.ForEach("", "", func(ec *ExecutionContext) bool {
		if err := r.Remove(ec); err != nil {
			r.logger.Warn("Failed to remove context", "context_id", ec.id, "error", err)
		}
		return true
	})

	r.logger.Info("Context registry closed")
	return nil
}
