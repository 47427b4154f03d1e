package rbac

import "sort"

// Requirement declares what a named route demands from a caller. A route is
// either explicitly public or names the permission it requires; a route that
// is absent from the registry altogether is a misconfiguration and the
// authorization gate fails closed on it.
type Requirement struct {
	Permission string
	Public     bool
}

// Registry is an immutable route-name → requirement mapping built once at
// startup and handed to the pipeline by reference.
type Registry struct {
	entries map[string]Requirement
}

// NewRegistry copies the given entries into an immutable registry.
func NewRegistry(entries map[string]Requirement) *Registry {
	m := make(map[string]Requirement, len(entries))
	for name, req := range entries {
		m[name] = req
	}
	return &Registry{entries: m}
}

// Lookup returns the requirement for a route name.
func (r *Registry) Lookup(routeName string) (Requirement, bool) {
	req, ok := r.entries[routeName]
	return req, ok
}

// Routes returns the route→permission map for introspection; public routes
// map to the empty string. Keys are sorted for stable output.
func (r *Registry) Routes() []RouteInfo {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]RouteInfo, 0, len(names))
	for _, name := range names {
		req := r.entries[name]
		out = append(out, RouteInfo{
			Name:       name,
			Permission: req.Permission,
			Public:     req.Public,
		})
	}
	return out
}

// RouteInfo is one introspection row.
type RouteInfo struct {
	Name       string `json:"name"`
	Permission string `json:"permission,omitempty"`
	Public     bool   `json:"public"`
}
