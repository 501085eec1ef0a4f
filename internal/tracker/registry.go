package tracker

import (
	"sort"
	"sync"

	"github.com/sells-group/gsc-radar/internal/metrics"
)

// Registry is the set of runs owned by this process. It is consulted at
// shutdown so those runs can be closed before the storage pool goes away.
type Registry struct {
	mu   sync.Mutex
	runs map[string]string // run id -> account id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]string)}
}

// Add registers a run.
func (r *Registry) Add(runID, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = accountID
	metrics.ActiveRuns.Set(float64(len(r.runs)))
}

// Remove forgets a run. Removing an unknown run is a no-op.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
	metrics.ActiveRuns.Set(float64(len(r.runs)))
}

// Has reports whether the run is registered.
func (r *Registry) Has(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	return ok
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// RunIDs returns the registered run ids in sorted order.
func (r *Registry) RunIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
