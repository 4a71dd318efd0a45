package connector

import (
	"fmt"
	"sort"
	"sync"
)

// SourceCtor builds a fresh, uninitialized source instance.
type SourceCtor func() Source

// ActorCtor builds a fresh, uninitialized actor instance.
type ActorCtor func() Actor

// TransformerCtor builds a fresh, uninitialized transformer instance.
type TransformerCtor func() Transformer

// Registry maps connector names to constructors. One registry serves the
// whole process; modules instantiate from it at load time.
type Registry struct {
	mu           sync.RWMutex
	sources      map[string]SourceCtor
	actors       map[string]ActorCtor
	transformers map[string]TransformerCtor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:      make(map[string]SourceCtor),
		actors:       make(map[string]ActorCtor),
		transformers: make(map[string]TransformerCtor),
	}
}

// RegisterSource registers a source connector under name, replacing any
// prior registration.
func (r *Registry) RegisterSource(name string, ctor SourceCtor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = ctor
}

// RegisterActor registers an actor connector under name.
func (r *Registry) RegisterActor(name string, ctor ActorCtor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[name] = ctor
}

// RegisterTransformer registers a package transform under name.
func (r *Registry) RegisterTransformer(name string, ctor TransformerCtor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[name] = ctor
}

// NewSource instantiates the named source connector.
func (r *Registry) NewSource(name string) (Source, error) {
	r.mu.RLock()
	ctor, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source connector %q (have %v)", name, r.sourceNames())
	}
	return ctor(), nil
}

// NewActor instantiates the named actor connector.
func (r *Registry) NewActor(name string) (Actor, error) {
	r.mu.RLock()
	ctor, ok := r.actors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown actor connector %q", name)
	}
	return ctor(), nil
}

// NewTransformer instantiates the named package transform.
func (r *Registry) NewTransformer(name string) (Transformer, error) {
	r.mu.RLock()
	ctor, ok := r.transformers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown package transform %q", name)
	}
	return ctor(), nil
}

func (r *Registry) sourceNames() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
