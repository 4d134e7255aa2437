package command

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const (
	defaultName     = "Unnamed API"
	defaultCategory = "General"
)

// ErrDuplicateRoute is returned when two commands resolve to the same path.
var ErrDuplicateRoute = errors.New("duplicate command route")

// Entry is a registered command with its normalized definition.
type Entry struct {
	Definition
	Path    string
	Command Command
}

// Alive reports whether the command can currently serve calls.
func (e *Entry) Alive() bool {
	if a, ok := e.Command.(Availability); ok {
		return a.Available()
	}
	return true
}

// ExtractParams picks the declared parameters out of a query. Undeclared
// keys are ignored; absent or empty values map to nil.
func (e *Entry) ExtractParams(query url.Values) Params {
	params := make(Params, len(e.Params))
	for name := range e.Params {
		var value *string
		if v := query.Get(name); v != "" {
			value = &v
		}
		params[name] = value
	}
	return params
}

// Stats summarizes the registry for the catalog.
type Stats struct {
	TotalAPIs  int      `json:"total_apis"`
	DeadAPIs   int      `json:"dead_apis"`
	Categories []string `json:"categories"`
}

// Registry is the immutable set of commands built at startup.
type Registry struct {
	entries []*Entry
	byPath  map[string]*Entry
}

// NewRegistry normalizes and indexes the given commands.
func NewRegistry(cmds ...Command) (*Registry, error) {
	r := &Registry{byPath: make(map[string]*Entry, len(cmds))}

	for _, cmd := range cmds {
		def := Normalize(cmd.Describe())
		path := "/" + strings.ToLower(def.Category) + def.Route

		if prev, ok := r.byPath[path]; ok {
			return nil, fmt.Errorf("%w: %s (%s and %s)", ErrDuplicateRoute, path, prev.Name, def.Name)
		}

		entry := &Entry{Definition: def, Path: path, Command: cmd}
		r.entries = append(r.entries, entry)
		r.byPath[path] = entry
	}

	return r, nil
}

// Normalize applies defaults to a definition: name and category fallbacks,
// a lower-cased route with a leading slash, and string/optional params.
// Parameter names lose a trailing "=".
func Normalize(def Definition) Definition {
	out := def
	if strings.TrimSpace(out.Name) == "" {
		out.Name = defaultName
	}
	if strings.TrimSpace(out.Category) == "" {
		out.Category = defaultCategory
	}

	route := strings.ToLower(strings.TrimSpace(out.Route))
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	out.Route = route
	out.RequiresKey = Bool(def.KeyRequired())

	out.Params = make(map[string]Param, len(def.Params))
	for name, p := range def.Params {
		clean := strings.TrimSuffix(strings.TrimSpace(name), "=")
		if clean == "" {
			continue
		}
		if p.Type == "" {
			p.Type = ParamString
		}
		out.Params[clean] = p
	}
	return out
}

// Entries returns commands in registration order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByCategory groups commands by category in registration order.
func (r *Registry) ByCategory() map[string][]*Entry {
	out := make(map[string][]*Entry)
	for _, e := range r.entries {
		out[e.Category] = append(out[e.Category], e)
	}
	return out
}

// Stats returns totals for the catalog.
func (r *Registry) Stats() Stats {
	stats := Stats{TotalAPIs: len(r.entries), Categories: []string{}}
	seen := make(map[string]bool)
	for _, e := range r.entries {
		if !e.Alive() {
			stats.DeadAPIs++
		}
		if !seen[e.Category] {
			seen[e.Category] = true
			stats.Categories = append(stats.Categories, e.Category)
		}
	}
	sort.Strings(stats.Categories)
	return stats
}
