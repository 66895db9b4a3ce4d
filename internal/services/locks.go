package services

import "sync"

// keyedMutex serializes operations per payment id. Entries are reference
// counted and removed once the last holder releases them, so the map does
// not grow with the payment history.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) Lock(id string) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedMutex) Unlock(id string) {
	k.mu.Lock()
	e := k.entries[id]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, id)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// pollRegistry tracks payments that have a live confirmation poller, so at
// most one poller runs per payment and the expiry sweeper can leave
// in-flight confirmations alone.
type pollRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newPollRegistry() *pollRegistry {
	return &pollRegistry{active: make(map[string]struct{})}
}

// begin registers a poller for id. It reports false when one is already
// registered.
func (r *pollRegistry) begin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	r.active[id] = struct{}{}
	return true
}

func (r *pollRegistry) end(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

func (r *pollRegistry) watching(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}
