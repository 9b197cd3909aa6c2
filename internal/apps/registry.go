package apps

import (
	"strings"
	"sync"
)

// Registry is the in-memory map of managed apps, keyed by name. All
// access goes through one reader-writer lock; read operations return
// clones so callers never hold live registry state.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*AppData
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]*AppData)}
}

// Add inserts or replaces an app.
func (r *Registry) Add(app *AppData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[app.Name] = app
}

// Remove deletes an app by name and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.apps[name]
	delete(r.apps, name)
	return ok
}

// Get returns a clone of the named app, or nil.
func (r *Registry) Get(name string) *AppData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.apps[name].Clone()
}

// Has reports whether an app is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.apps[name]
	return ok
}

// ReplaceAll swaps the full registry content, keeping settings from the
// previous generation when the incoming app carries none. Used by the
// discovery scheduler.
func (r *Registry) ReplaceAll(apps []*AppData) {
	next := make(map[string]*AppData, len(apps))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, app := range apps {
		if app.Settings == nil {
			if prev, ok := r.apps[app.Name]; ok && prev.Settings != nil {
				app.Settings = prev.Settings.Clone()
			}
		}
		next[app.Name] = app
	}
	r.apps = next
}

// Update replaces an existing app in place; a missing app is added.
func (r *Registry) Update(app *AppData) {
	r.Add(app)
}

// List returns clones of all apps, in unspecified order.
func (r *Registry) List() []*AppData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AppData, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app.Clone())
	}
	return out
}

// Len returns the number of registered apps.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}

// IsEmpty reports whether no apps are registered.
func (r *Registry) IsEmpty() bool { return r.Len() == 0 }

// FindByDomain returns a clone of the first app serving the given
// domain, matching case-insensitively against both configured public
// service domains and observed container domains. The read lock is held
// for the full scan including the clone; the registry holds tens of
// apps at most.
func (r *Registry) FindByDomain(domain string) *AppData {
	needle := strings.ToLower(domain)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, app := range r.apps {
		if app.Settings != nil {
			for _, ps := range app.Settings.PublicServices {
				for _, d := range ps.Domains {
					if strings.ToLower(d) == needle {
						return app.Clone()
					}
				}
			}
		}
		for _, svc := range app.Services {
			for _, d := range svc.Domains {
				if strings.ToLower(d) == needle {
					return app.Clone()
				}
			}
		}
	}
	return nil
}

// Mutate runs fn against the live app under the write lock. It is the
// single-writer path for settings changes (custom action reviews, adopt).
// Returns NotFound behavior via ok=false when the app is missing.
func (r *Registry) Mutate(name string, fn func(app *AppData) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[name]
	if !ok {
		return false, nil
	}
	return true, fn(app)
}
