package catalog

import (
	"context"
	"sync"

	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
)

// MemoryMirror holds mirrored state in process. It backs the memory driver and tests.
type MemoryMirror struct {
	mu      sync.Mutex
	state   map[string]domain.MirrorState
	calls   int
	failErr error
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{state: make(map[string]domain.MirrorState)}
}

func (m *MemoryMirror) Sync(_ context.Context, productID string, state domain.MirrorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failErr != nil {
		return m.failErr
	}
	m.state[productID] = state
	return nil
}

// Fetch returns the mirrored state. A product never synced reads as cleared.
func (m *MemoryMirror) Fetch(_ context.Context, productID string) (domain.MirrorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[productID], nil
}

// SetFailure makes every following Sync return err until it is reset with nil.
func (m *MemoryMirror) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Calls counts Sync invocations, failed ones included.
func (m *MemoryMirror) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
