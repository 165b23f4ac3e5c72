package tenant

import (
	"maps"
	"sync"

	appReservation "github.com/Zhima-Mochi/cart-reservation/internal/application/reservation"
)

// Registry maps a shop domain to its live catalog connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]appReservation.Mirror
}

var _ appReservation.TenantConnections = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]appReservation.Mirror)}
}

// Register installs or replaces the connection of shop. It reports whether a
// previous connection was replaced.
func (r *Registry) Register(shop string, conn appReservation.Mirror) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.conns[shop]
	r.conns[shop] = conn
	return replaced
}

func (r *Registry) Unregister(shop string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[shop]
	delete(r.conns, shop)
	return ok
}

func (r *Registry) Connection(shop string) (appReservation.Mirror, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[shop]
	return conn, ok
}

func (r *Registry) Snapshot() map[string]appReservation.Mirror {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.conns)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
