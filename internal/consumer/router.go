package consumer

import "sync"

// Router maps a schema to the idempotent process function for it.
type Router struct {
	mu     sync.RWMutex
	routes map[string]ProcessFunc
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]ProcessFunc)}
}

// Handle registers fn for schema, replacing any earlier registration.
func (r *Router) Handle(schema string, fn ProcessFunc) *Router {
	r.mu.Lock()
	r.routes[schema] = fn
	r.mu.Unlock()
	return r
}

func (r *Router) Route(schema string) (ProcessFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.routes[schema]
	return fn, ok
}

func (r *Router) Schemas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for s := range r.routes {
		out = append(out, s)
	}
	return out
}
