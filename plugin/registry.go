package plugin

import (
	"sort"
	"sync"

	"gridlink/errcode"
)

// Registry maps plugin names to descriptors and tracks singleton
// occupancy. Plugins register at process start; the manager resolves
// them when nodes are created.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]*Descriptor
	occupied map[string]string // plugin name -> node name, singletons only
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:  make(map[string]*Descriptor),
		occupied: make(map[string]string),
	}
}

// Register adds a descriptor. Re-registering a name replaces the
// descriptor only if no singleton instance is live.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.occupied[d.Name]; live {
		return errcode.Newf(errcode.LibraryFailedToOpen,
			"plugin %s has a live instance", d.Name)
	}
	r.plugins[d.Name] = d
	return nil
}

// Unregister removes a plugin with no live singleton instance.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; !ok {
		return errcode.Newf(errcode.LibraryNotFound, "plugin %s", name)
	}
	if _, live := r.occupied[name]; live {
		return errcode.Newf(errcode.LibraryFailedToOpen,
			"plugin %s has a live instance", name)
	}
	delete(r.plugins, name)
	return nil
}

// Find returns the descriptor for a plugin name.
func (r *Registry) Find(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.plugins[name]
	if !ok {
		return nil, errcode.Newf(errcode.LibraryNotFound, "plugin %s", name)
	}
	return d, nil
}

// List returns all descriptors ordered by name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.plugins))
	for _, d := range r.plugins {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Acquire validates the (plugin, node, kind) triple and opens an
// instance. Singleton plugins accept only their fixed node name and
// at most one live instance.
func (r *Registry) Acquire(pluginName, nodeName string, kind Kind) (Instance, *Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.plugins[pluginName]
	if !ok {
		return nil, nil, errcode.Newf(errcode.LibraryNotFound, "plugin %s", pluginName)
	}
	if d.Kind != kind {
		return nil, nil, errcode.Newf(errcode.PluginTypeNotSupport,
			"plugin %s is a %s, node wants %s", pluginName, d.Kind, kind)
	}
	if d.Single {
		if nodeName != d.SingleName {
			return nil, nil, errcode.Newf(errcode.LibraryNotAllowCreateInstance,
				"singleton plugin %s only instantiates as %s", pluginName, d.SingleName)
		}
		if holder, live := r.occupied[pluginName]; live {
			return nil, nil, errcode.Newf(errcode.LibraryNotAllowCreateInstance,
				"singleton plugin %s already instantiated by %s", pluginName, holder)
		}
		r.occupied[pluginName] = nodeName
	}

	inst := d.Open()
	if inst == nil {
		if d.Single {
			delete(r.occupied, pluginName)
		}
		return nil, nil, errcode.Newf(errcode.LibraryFailedToOpen, "plugin %s", pluginName)
	}
	return inst, d, nil
}

// Release frees the singleton slot after an instance is destroyed.
func (r *Registry) Release(pluginName, nodeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.occupied[pluginName]; ok && holder == nodeName {
		delete(r.occupied, pluginName)
	}
}

// SingletonHolder reports which node holds the singleton slot.
func (r *Registry) SingletonHolder(pluginName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	holder, ok := r.occupied[pluginName]
	return holder, ok
}
