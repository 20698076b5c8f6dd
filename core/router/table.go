package router

import (
	"sort"

	"github.com/searchktools/chunk-server/core/http"
)

// HandlerFunc handles one request. It must answer through exactly one of
// the Responder methods.
type HandlerFunc func(w http.Responder, req *http.Request)

// Table maps literal request targets to handlers. Matching is byte-for-byte
// on the whole target, query string included; there are no patterns.
//
// Routes are registered before serving starts. Lookups take no lock, so Add
// must not race with Route.
type Table struct {
	routes map[string]HandlerFunc
}

// NewTable creates an empty route table
func NewTable() *Table {
	return &Table{routes: make(map[string]HandlerFunc)}
}

// Add registers handler for path. A later registration for the same path
// replaces the earlier one.
func (t *Table) Add(path string, handler HandlerFunc) {
	t.routes[path] = handler
}

// Route invokes the handler registered for req.Target and reports whether
// there was one. Nothing is written when it returns false.
func (t *Table) Route(w http.Responder, req *http.Request) bool {
	handler, ok := t.routes[req.Target]
	if !ok {
		return false
	}
	handler(w, req)
	return true
}

// Lookup returns the handler registered for path
func (t *Table) Lookup(path string) (HandlerFunc, bool) {
	handler, ok := t.routes[path]
	return handler, ok
}

// Len returns the number of registered routes
func (t *Table) Len() int {
	return len(t.routes)
}

// Paths returns the registered paths in sorted order
func (t *Table) Paths() []string {
	paths := make([]string, 0, len(t.routes))
	for p := range t.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
