package coordinator

import (
	"sort"
	"sync"

	"DistMR/internal/types"
)

// Registry owns every RemoteWorker the master knows about. Callers only get
// copies; status changes go through the methods below, each of which holds
// the lock for a single map update plus counters.
type Registry struct {
	mu      sync.Mutex
	workers map[int]*types.RemoteWorker
	nextID  int
	changed chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[int]*types.RemoteWorker),
		changed: make(chan struct{}),
	}
}

// Add inserts an Idle worker under the next id.
func (r *Registry) Add(hostname, nodeName string) types.RemoteWorker {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &types.RemoteWorker{
		ID:       r.nextID,
		Hostname: hostname,
		NodeName: nodeName,
		Status:   types.WorkerIdle,
	}
	r.workers[w.ID] = w
	r.nextID++
	r.notifyLocked()
	return *w
}

// Get returns a copy of worker id.
func (r *Registry) Get(id int) (types.RemoteWorker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return types.RemoteWorker{}, false
	}
	return *w, true
}

// FindByNode looks a worker up by its gossip node name.
func (r *Registry) FindByNode(nodeName string) (types.RemoteWorker, bool) {
	if nodeName == "" {
		return types.RemoteWorker{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.NodeName == nodeName {
			return *w, true
		}
	}
	return types.RemoteWorker{}, false
}

// Claim moves an Idle worker to Running. It fails for workers that were
// removed or marked Failed meanwhile.
func (r *Registry) Claim(id int) bool {
	return r.transition(id, types.WorkerIdle, types.WorkerRunning)
}

// Release moves a Running worker back to Idle.
func (r *Registry) Release(id int) bool {
	return r.transition(id, types.WorkerRunning, types.WorkerIdle)
}

func (r *Registry) transition(id int, from, to types.WorkerStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.Status != from {
		return false
	}
	w.Status = to
	return true
}

// MarkFailed flags a worker as Failed. It reports whether this call did
// the transition, so a failure is handled once.
func (r *Registry) MarkFailed(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.Status == types.WorkerFailed {
		return false
	}
	w.Status = types.WorkerFailed
	r.notifyLocked()
	return true
}

// Remove drops a worker from the registry.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	r.notifyLocked()
	return true
}

// Len counts workers that are not Failed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked()
}

// Registered is the number of ids issued so far.
func (r *Registry) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

// Exhausted reports whether workers did register but none is left alive.
func (r *Registry) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID > 0 && r.liveLocked() == 0
}

// Snapshot returns copies of all workers ordered by id.
func (r *Registry) Snapshot() []types.RemoteWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.RemoteWorker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Changed returns a channel closed on the next membership change.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Registry) liveLocked() int {
	n := 0
	for _, w := range r.workers {
		if w.Status != types.WorkerFailed {
			n++
		}
	}
	return n
}
