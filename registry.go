package ldclient

import (
	"fmt"
	"sync"
)

// Registry owns a set of named client instances, typically one per environment. It exists so
// that applications and test harnesses manage client lifecycles through an explicit object
// instead of package-level globals; Reset tears every instance down in one call.
type Registry struct {
	lock    sync.Mutex
	clients map[string]*LDClient
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*LDClient)}
}

// Add registers a client under a name. It fails if the name is already in use; the registry
// takes ownership of successfully added clients and closes them on Reset or Close.
func (r *Registry) Add(name string, client *LDClient) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("a client instance named %q already exists", name)
	}
	r.clients[name] = client
	return nil
}

// Get returns the client registered under a name, if any.
func (r *Registry) Get(name string) (*LDClient, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	client, ok := r.clients[name]
	return client, ok
}

// Remove detaches a client from the registry without closing it, returning the client or nil.
// The caller becomes responsible for closing it.
func (r *Registry) Remove(name string) *LDClient {
	r.lock.Lock()
	defer r.lock.Unlock()
	client := r.clients[name]
	delete(r.clients, name)
	return client
}

// Names returns the names of all registered clients.
func (r *Registry) Names() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Reset closes every registered client and empties the registry. The registry remains usable.
func (r *Registry) Reset() {
	r.lock.Lock()
	clients := r.clients
	r.clients = make(map[string]*LDClient)
	r.lock.Unlock()
	for _, client := range clients {
		_ = client.Close()
	}
}

// Close is Reset under the io.Closer contract, for use with deferred cleanup.
func (r *Registry) Close() error {
	r.Reset()
	return nil
}
