package kex

import "fmt"

// Registry holds registered algorithm templates for negotiation. It is
// populated once at startup and read per connection; it performs no locking.
type Registry struct {
	names      []string
	algorithms map[string]Algorithm
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{algorithms: make(map[string]Algorithm)}
}

// AddAlgorithm registers a template instance under its name, replacing any
// previous registration. Registration order is preserved by Names.
func (r *Registry) AddAlgorithm(a Algorithm) {
	if _, ok := r.algorithms[a.Name()]; !ok {
		r.names = append(r.names, a.Name())
	}
	r.algorithms[a.Name()] = a
}

// Select clones the named algorithm for a connection, binding the clone to
// session.
func (r *Registry) Select(name string, session *Session) (Algorithm, error) {
	a, ok := r.algorithms[name]
	if !ok {
		return nil, fmt.Errorf("kex: unknown algorithm %q", name)
	}
	return a.Clone(session), nil
}

// Names returns the registered algorithm names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
