package source

import (
	"errors"
	"fmt"
	"sort"
)

// Registry maps source keys to adapters. It is built once at startup and
// is read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry registers adapters under their Name. A later adapter with
// the same name replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[NormalizeSource(a.Name())] = a
	}
	return r
}

// Get returns the adapter for src, ignoring case and surrounding space.
func (r *Registry) Get(src string) (Adapter, error) {
	key := NormalizeSource(src)
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
	return a, nil
}

// All returns a copy of the registered adapters keyed by source.
func (r *Registry) All() map[string]Adapter {
	out := make(map[string]Adapter, len(r.adapters))
	for k, a := range r.adapters {
		out[k] = a
	}
	return out
}

// Sources returns the registered source keys in sorted order.
func (r *Registry) Sources() []string {
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Capabilities lists every adapter's capabilities, sorted by source.
func (r *Registry) Capabilities() []Capabilities {
	keys := r.Sources()
	out := make([]Capabilities, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.adapters[k].Capabilities())
	}
	return out
}

// CloseAll closes every adapter. A failing adapter does not stop the
// others from closing; all errors are joined.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, k := range r.Sources() {
		if err := r.adapters[k].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
