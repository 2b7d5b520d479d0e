package backend

import (
	"errors"
	"fmt"
)

// ErrUnsupported indicates that no registered backend handles the URL.
var ErrUnsupported = errors.New("no backend supports this URL")

// MatchFunc reports whether a backend can handle a source URL.
type MatchFunc func(sourceURL string) bool

type descriptor struct {
	match   MatchFunc
	backend Backend
}

// Registry resolves source URLs to backends. Resolution walks the
// descriptors in registration order and returns the first match, so
// specific patterns must be registered before generic fallbacks.
// Registration happens once at startup; Resolve is read-only after.
type Registry struct {
	descriptors []descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a backend with its URL predicate.
func (r *Registry) Register(match MatchFunc, b Backend) error {
	if match == nil {
		return fmt.Errorf("register %s: match predicate is nil", b.Name())
	}
	r.descriptors = append(r.descriptors, descriptor{match: match, backend: b})
	return nil
}

// Resolve returns the first backend whose predicate accepts the URL.
func (r *Registry) Resolve(sourceURL string) (Backend, error) {
	for _, d := range r.descriptors {
		if d.match(sourceURL) {
			return d.backend, nil
		}
	}
	return nil, ErrUnsupported
}

// Names returns the registered backend names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.descriptors))
	for i, d := range r.descriptors {
		names[i] = d.backend.Name()
	}
	return names
}
