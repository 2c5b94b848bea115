package subproto

import (
	"strings"
	"sync"
)

// Registry is a thread-safe collection of negotiable protocols. It is an
// explicit value owned by the listener or connector configuration and
// passed into each new connection engine, never a process-wide singleton,
// so tests can instantiate independent registries.
//
// Contention is expected to be rare: the registry is only consulted at
// connection-setup time.
type Registry struct {
	mu      sync.Mutex
	entries []Protocol
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a protocol unless one with the same (name, scope URI)
// pair is already present, in which case it reports false.
func (r *Registry) Register(p Protocol) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(p.Name(), p.URI()) >= 0 {
		return false
	}
	r.entries = append(r.entries, p)
	return true
}

// RegisterOrReplace adds a protocol, replacing an existing entry with the
// same (name, scope URI) pair.
func (r *Registry) RegisterOrReplace(p Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.find(p.Name(), p.URI()); i >= 0 {
		r.entries[i] = p
		return
	}
	r.entries = append(r.entries, p)
}

// CloneByName looks up a protocol accepting the given name whose scope
// URI is empty or matches the connection's URI, and returns a fresh
// per-connection clone, or nil when negotiation fails.
func (r *Registry) CloneByName(name, connectionURI string) Protocol {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.entries {
		if !scopeMatches(p.URI(), connectionURI) {
			continue
		}
		for _, n := range p.Names() {
			if n == name {
				return p.Clone(name)
			}
		}
	}
	return nil
}

// Names returns every negotiable name valid for the connection URI, in
// registration order, for handshake advertising.
func (r *Registry) Names(connectionURI string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.entries {
		if scopeMatches(p.URI(), connectionURI) {
			out = append(out, p.Names()...)
		}
	}
	return out
}

// Len returns the number of registered protocols.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) find(name, uri string) int {
	for i, p := range r.entries {
		if p.Name() == name && p.URI() == uri {
			return i
		}
	}
	return -1
}

func scopeMatches(scope, connectionURI string) bool {
	if scope == "" {
		return true
	}
	return strings.Trim(scope, "/") == strings.Trim(connectionURI, "/")
}
