package publish

import (
	"sync"
)

// Registry maps session keys to the open bridge of each ambient
// transaction. Entries are added by the owning Publisher and removed by the
// bridge when it reaches a terminal state.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	ready  chan struct{}
	bridge *Bridge
	err    error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// GetOrCreate returns the bridge registered under key, calling create if
// there is none. create runs at most once per key at a time and outside the
// registry lock; concurrent callers for the same key wait for its result.
// A failed create leaves no entry behind. The boolean reports whether this
// call created the bridge.
func (r *Registry) GetOrCreate(key string, create func() (*Bridge, error)) (*Bridge, bool, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, false, e.err
		}
		return e.bridge, false, nil
	}
	e := &registryEntry{ready: make(chan struct{})}
	r.entries[key] = e
	r.mu.Unlock()

	e.bridge, e.err = create()
	if e.err != nil {
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()
	}
	close(e.ready)
	return e.bridge, e.err == nil, e.err
}

// Get returns the bridge registered under key once it is ready.
func (r *Registry) Get(key string) (*Bridge, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-e.ready
	if e.err != nil {
		return nil, false
	}
	return e.bridge, true
}

// Remove deletes key if it still refers to b. A bridge can complete before
// its creator returns, so Remove waits for the entry to be ready.
func (r *Registry) Remove(key string, b *Bridge) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	<-e.ready

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] != e || e.bridge != b {
		return false
	}
	delete(r.entries, key)
	return true
}

// drain removes and returns every ready bridge.
func (r *Registry) drain() []*Bridge {
	r.mu.Lock()
	pending := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		pending = append(pending, e)
	}
	r.mu.Unlock()

	bridges := make([]*Bridge, 0, len(pending))
	for _, e := range pending {
		<-e.ready
		if e.err == nil && e.bridge != nil {
			bridges = append(bridges, e.bridge)
		}
	}

	drained := make(map[*registryEntry]bool, len(pending))
	for _, e := range pending {
		drained[e] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if drained[e] {
			delete(r.entries, k)
		}
	}
	return bridges
}

// Len returns the number of registered sessions, including ones still
// being created.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the registered session keys.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}
