package instrument

import "fmt"

// Registry maps instrument names to their traits. Instruments that were never
// registered resolve to the default traits.
type Registry struct {
	defaults Traits
	traits   map[string]Traits
	names    []string
}

// NewRegistry creates a registry falling back to IntegerTraits.
func NewRegistry() *Registry {
	return NewRegistryWithDefault(IntegerTraits{})
}

// NewRegistryWithDefault creates a registry with a custom fallback.
func NewRegistryWithDefault(defaults Traits) *Registry {
	if defaults == nil {
		defaults = IntegerTraits{}
	}
	return &Registry{
		defaults: defaults,
		traits:   make(map[string]Traits),
	}
}

// Add registers traits for an instrument.
func (r *Registry) Add(name string, traits Traits) error {
	if name == "" {
		return fmt.Errorf("instrument name is empty")
	}
	if traits == nil {
		return fmt.Errorf("traits for %s are nil", name)
	}
	if _, ok := r.traits[name]; ok {
		return fmt.Errorf("instrument already exists: %s", name)
	}
	r.traits[name] = traits
	r.names = append(r.names, name)
	return nil
}

// Traits returns the traits of an instrument, or the default.
func (r *Registry) Traits(name string) Traits {
	if r == nil {
		return IntegerTraits{}
	}
	if t, ok := r.traits[name]; ok {
		return t
	}
	return r.defaults
}

// Lookup returns the registered traits only.
func (r *Registry) Lookup(name string) (Traits, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.traits[name]
	return t, ok
}

// Names returns instruments in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}
