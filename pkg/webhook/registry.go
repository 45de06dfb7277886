package webhook

// registrations is the closed set of handler constructors populated by
// each provider file's init function, mirroring the source system's
// module-import-side-effect discovery with a build-time equivalent.
var registrations []func() Handler

// Register adds a handler constructor to the boot-time registration
// table. Called from each provider handler's init function.
func Register(construct func() Handler) {
	registrations = append(registrations, construct)
}

// Registry binds enabled handlers to their declared HTTP paths.
type Registry struct {
	byPath map[string]Handler
	byName map[string]Handler
}

// NewRegistry builds a Registry from every handler on the registration
// table, skipping those whose Metadata().Enabled is false.
func NewRegistry() *Registry {
	r := &Registry{byPath: make(map[string]Handler), byName: make(map[string]Handler)}
	for _, construct := range registrations {
		h := construct()
		meta := h.Metadata()
		if !meta.Enabled {
			continue
		}
		r.byPath[meta.Path] = h
		r.byName[meta.Name] = h
	}
	return r
}

// NewRegistryFromHandlers builds a Registry from an explicit handler
// list, bypassing the init-time registration table. Used by tests and
// by any caller that wants a closed, non-global handler set.
func NewRegistryFromHandlers(handlers ...Handler) *Registry {
	r := &Registry{byPath: make(map[string]Handler), byName: make(map[string]Handler)}
	for _, h := range handlers {
		meta := h.Metadata()
		if !meta.Enabled {
			continue
		}
		r.byPath[meta.Path] = h
		r.byName[meta.Name] = h
	}
	return r
}

// Lookup returns the handler bound to path, if any.
func (r *Registry) Lookup(path string) (Handler, bool) {
	h, ok := r.byPath[path]
	return h, ok
}

// Handlers returns every enabled handler's metadata, for diagnostics.
func (r *Registry) Handlers() []Metadata {
	out := make([]Metadata, 0, len(r.byName))
	for _, h := range r.byName {
		out = append(out, h.Metadata())
	}
	return out
}
