package qext

import "sync"

// Helpers is a named registry of values contributed by extensions.
type Helpers struct {
	mu sync.RWMutex
	m  map[string]any
}

// Set stores v under name, replacing any previous value.
func (h *Helpers) Set(name string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]any)
	}
	h.m[name] = v
}

// Get returns the value stored under name.
func (h *Helpers) Get(name string) (any, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.m[name]
	return v, ok
}

// Inject stores the helpers of ext if it is an Injector.
func (h *Helpers) Inject(ext Extension) {
	inj, ok := ext.(Injector)
	if !ok {
		return
	}
	for name, v := range inj.Inject() {
		h.Set(name, v)
	}
}

// HelperAs returns the helper stored under name as a T.
func HelperAs[T any](h *Helpers, name string) (T, bool) {
	var zero T
	v, ok := h.Get(name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
