// Package registry tracks the gate's in-memory view of each group's backend
// container: its resolved target, last-touched time, and whether the gate
// believes it is running. It deliberately uses a single coarse mutex rather
// than per-group locks.
package registry

import (
	"sync"
	"time"

	"github.com/wakedock/gate/pkg/routetable"
)

// GroupState is the registry's record for one group.
type GroupState struct {
	Group         string
	ContainerName string
	Target        routetable.Target
	LastTouch     time.Time
	Running       bool
}

// Registry holds one GroupState per group seen so far, guarded by a single
// mutex. The coarseness is intentional: spec.md §5/§9 accepts the resulting
// race between two requests for the same not-yet-running group rather than
// adding per-group locking.
type Registry struct {
	mu     sync.Mutex
	states map[string]*GroupState
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{states: make(map[string]*GroupState)}
}

// Touch records activity for group, creating its state on first sight, and
// returns a copy of the state as it stood immediately after the touch.
func (r *Registry) Touch(target routetable.Target) GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[target.Group]
	if !ok {
		state = &GroupState{
			Group:         target.Group,
			ContainerName: routetable.ContainerNameFor(target.Group),
		}
		r.states[target.Group] = state
	}
	state.Target = target
	state.LastTouch = time.Now()
	return *state
}

// SetRunning records whether group's container is currently running.
func (r *Registry) SetRunning(group string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[group]; ok {
		state.Running = running
	}
}

// Get returns a copy of group's state, if known.
func (r *Registry) Get(group string) (GroupState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[group]
	if !ok {
		return GroupState{}, false
	}
	return *state, true
}

// Snapshot returns a copy of every known group's state, for admin
// introspection. The returned slice is safe to range over without holding
// the registry's lock.
func (r *Registry) Snapshot() []GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GroupState, 0, len(r.states))
	for _, state := range r.states {
		out = append(out, *state)
	}
	return out
}

// RunningCount returns how many groups are currently believed to be
// running, for the gate's groups_running gauge.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, state := range r.states {
		if state.Running {
			count++
		}
	}
	return count
}

// IterForReap returns a snapshot of every group currently believed to be
// running, for the reaper to evaluate against its idle window without
// holding the registry lock across runtime calls.
func (r *Registry) IterForReap() []GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GroupState, 0, len(r.states))
	for _, state := range r.states {
		if state.Running {
			out = append(out, *state)
		}
	}
	return out
}
