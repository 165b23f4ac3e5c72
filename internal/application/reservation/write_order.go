package reservation

import (
	"sync"

	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
)

// slotWrites keeps the catalog writes of each slot in commit order. A ticket is issued
// under the slot lock when a transition commits. A write carrying a ticket older than
// the last one applied for its slot is dropped, so the catalog settles on the newest
// committed state even when the calls finish out of order.
type slotWrites struct {
	mu    sync.Mutex
	slots map[domain.Key]*slotWriter
}

type slotWriter struct {
	// mu is held across the catalog call of one write.
	mu      sync.Mutex
	applied uint64

	// guarded by slotWrites.mu
	issued  uint64
	pending int
}

type writeTicket struct {
	key    domain.Key
	seq    uint64
	writer *slotWriter
}

func newSlotWrites() *slotWrites {
	return &slotWrites{slots: make(map[domain.Key]*slotWriter)}
}

// issue hands out the next ticket of key. The caller holds the slot lock.
func (w *slotWrites) issue(key domain.Key) *writeTicket {
	w.mu.Lock()
	defer w.mu.Unlock()
	sw, ok := w.slots[key]
	if !ok {
		sw = &slotWriter{}
		w.slots[key] = sw
	}
	sw.issued++
	sw.pending++
	return &writeTicket{key: key, seq: sw.issued, writer: sw}
}

// apply runs write unless a newer ticket of the same slot was applied first. One ticket
// may be applied more than once. A nil ticket always writes.
func (w *slotWrites) apply(t *writeTicket, write func() error) (bool, error) {
	if t == nil {
		return true, write()
	}
	t.writer.mu.Lock()
	defer t.writer.mu.Unlock()
	if t.seq < t.writer.applied {
		return false, nil
	}
	t.writer.applied = t.seq
	return true, write()
}

// done retires t. The slot entry is dropped once no ticket is outstanding.
func (w *slotWrites) done(t *writeTicket) {
	if t == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	t.writer.pending--
	if t.writer.pending == 0 {
		delete(w.slots, t.key)
	}
}

func (w *slotWrites) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}
