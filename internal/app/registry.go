// Package app routes decoded transport payloads to listeners bound by port.
package app

import (
	"slices"
	"sync"

	"firestige.xyz/rawnet/internal/core"
)

// Listener receives transport-layer data addressed to its local port.
type Listener interface {
	Port() uint16
	HandleData(h core.Header)
}

// Registry is an ordered list of listeners. Dispatch delivers to at most one.
type Registry struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends l. Duplicate ports are allowed; the earliest wins.
func (r *Registry) Register(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Deregister removes the first occurrence of l.
func (r *Registry) Deregister(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := slices.Index(r.listeners, l); i >= 0 {
		r.listeners = slices.Delete(r.listeners, i, i+1)
	}
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Dispatch hands h to the first listener whose port equals h's destination
// port and reports whether one was found. Headers without ports never match.
// The handler runs without the registry lock held.
func (r *Registry) Dispatch(h core.Header) bool {
	ph, ok := h.(core.PortHeader)
	if !ok {
		return false
	}
	_, dst := ph.Ports()

	r.mu.RLock()
	var target Listener
	for _, l := range r.listeners {
		if l.Port() == dst {
			target = l
			break
		}
	}
	r.mu.RUnlock()

	if target == nil {
		return false
	}
	target.HandleData(h)
	return true
}
