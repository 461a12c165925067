package policy

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Factory builds a policy instance from its config mapping. Factories
// validate the config and reject it with an error before anything is
// installed.
type Factory func(config map[string]any) (Policy, error)

// Descriptor is the immutable active-policy bundle. Exactly one is active
// process-wide; transactions bind to the descriptor active at ingress and
// are never retargeted mid-flight.
type Descriptor struct {
	Name      string         `json:"name"`
	ClassRef  string         `json:"policy_class_ref"`
	Config    map[string]any `json:"config,omitempty"`
	EnabledBy string         `json:"enabled_by,omitempty"`
	EnabledAt time.Time      `json:"enabled_at"`

	Instance Policy `json:"-"`
}

// Registry maps class references to factories and holds the atomically
// swappable active descriptor.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	active    atomic.Pointer[Descriptor]
}

// NewRegistry creates a registry with the no-op policy registered and
// active.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("noop", func(_ map[string]any) (Policy, error) {
		return NoOpPolicy{}, nil
	})
	desc := &Descriptor{
		Name:      "noop",
		ClassRef:  "noop",
		EnabledBy: "default",
		EnabledAt: time.Now().UTC(),
		Instance:  NoOpPolicy{},
	}
	r.active.Store(desc)
	return r
}

// Register installs a factory under a class reference.
func (r *Registry) Register(classRef string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[classRef] = factory
}

// ClassRefs lists the registered class references, sorted.
func (r *Registry) ClassRefs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.factories))
	for ref := range r.factories {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Activate validates and installs a new active policy. The swap is atomic:
// the next transaction observes the new descriptor, in-flight transactions
// finish with the one they started with.
func (r *Registry) Activate(classRef string, config map[string]any, enabledBy string) (*Descriptor, error) {
	r.mu.RLock()
	factory, ok := r.factories[classRef]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown policy class %q (registered: %v)", classRef, r.ClassRefs())
	}

	instance, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("policy %q rejected config: %w", classRef, err)
	}

	desc := &Descriptor{
		Name:      instance.Name(),
		ClassRef:  classRef,
		Config:    config,
		EnabledBy: enabledBy,
		EnabledAt: time.Now().UTC(),
		Instance:  instance,
	}
	r.active.Store(desc)
	return desc, nil
}

// Snapshot returns the currently active descriptor. Called once per
// transaction at ingress; no lock is needed afterwards.
func (r *Registry) Snapshot() *Descriptor {
	return r.active.Load()
}
