package fusion

import (
	"sort"
	"sync"

	"github.com/twinstack/loom/internal/errdefs"
)

// Registry holds the units an engine knows about. It is an explicit value
// wired through constructors; there is no package-level registration.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
}

func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Register adds a unit. Unit names are unique: they double as stream names.
func (r *Registry) Register(u Unit) error {
	cfg := u.Configuration()
	if cfg.Name == "" {
		return errdefs.Configuration("unit has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[cfg.Name]; ok {
		return errdefs.Configuration("unit %q already registered", cfg.Name)
	}
	r.units[cfg.Name] = u
	return nil
}

// Get looks up a unit by name.
func (r *Registry) Get(name string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[name]
	return u, ok
}

// Names returns registered unit names, sorted for stable iteration.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.units))
	for name := range r.units {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
