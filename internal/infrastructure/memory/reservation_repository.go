package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
)

// IDGenerator issues identifiers for new records.
type IDGenerator interface {
	NewID() string
}

type cartKey struct {
	CartID     string
	ShopDomain string
}

// ReservationRepository is an in-process lease store. The primary table and both
// secondary indexes only change together, under mu. The indexes hold active records only.
type ReservationRepository struct {
	mu        sync.RWMutex
	records   map[string]*domain.Reservation
	byProduct map[domain.Key]string
	byCart    map[cartKey]map[string]struct{}
	ids       IDGenerator
}

func NewReservationRepository(ids IDGenerator) *ReservationRepository {
	return &ReservationRepository{
		records:   make(map[string]*domain.Reservation),
		byProduct: make(map[domain.Key]string),
		byCart:    make(map[cartKey]map[string]struct{}),
		ids:       ids,
	}
}

func (r *ReservationRepository) Create(ctx context.Context, res *domain.Reservation) (*domain.Reservation, error) {
	_ = ctx
	if res == nil {
		return nil, fmt.Errorf("reservation repository: record is required")
	}

	stored := res.Clone()
	stored.ID = r.ids.NewID()
	if stored.ID == "" {
		return nil, fmt.Errorf("reservation repository: empty id from generator")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[stored.ID]; exists {
		return nil, fmt.Errorf("reservation repository: duplicate id %q", stored.ID)
	}
	if stored.IsActive {
		if _, taken := r.byProduct[stored.Key()]; taken {
			return nil, domain.ErrConflict
		}
	}

	r.records[stored.ID] = stored
	if stored.IsActive {
		r.index(stored)
	}
	return stored.Clone(), nil
}

func (r *ReservationRepository) FindActiveByProduct(ctx context.Context, productID, shopDomain string) (*domain.Reservation, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byProduct[domain.Key{ProductID: productID, ShopDomain: shopDomain}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.records[id].Clone(), nil
}

func (r *ReservationRepository) FindActiveByCart(ctx context.Context, cartID, shopDomain string) ([]*domain.Reservation, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCart[cartKey{CartID: cartID, ShopDomain: shopDomain}]
	out := make([]*domain.Reservation, 0, len(ids))
	for id := range ids {
		out = append(out, r.records[id].Clone())
	}
	return out, nil
}

func (r *ReservationRepository) Update(ctx context.Context, id string, p domain.Patch) (*domain.Reservation, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	next := current.Clone()
	p.Apply(next)

	if next.IsActive && !current.IsActive {
		if _, taken := r.byProduct[next.Key()]; taken {
			return nil, domain.ErrConflict
		}
	}

	if current.IsActive {
		r.unindex(current)
	}
	r.records[id] = next
	if next.IsActive {
		r.index(next)
	}
	return next.Clone(), nil
}

func (r *ReservationRepository) Delete(ctx context.Context, id string) (bool, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[id]
	if !ok {
		return false, nil
	}
	if current.IsActive {
		r.unindex(current)
	}
	delete(r.records, id)
	return true, nil
}

func (r *ReservationRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]*domain.Reservation, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Reservation
	for _, id := range r.byProduct {
		if rec := r.records[id]; rec.Expired(now) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (r *ReservationRepository) ListActive(ctx context.Context) ([]*domain.Reservation, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Reservation, 0, len(r.byProduct))
	for _, id := range r.byProduct {
		out = append(out, r.records[id].Clone())
	}
	return out, nil
}

// index and unindex must be called with mu held for writing.
func (r *ReservationRepository) index(res *domain.Reservation) {
	r.byProduct[res.Key()] = res.ID
	ck := cartKey{CartID: res.CartID, ShopDomain: res.ShopDomain}
	set, ok := r.byCart[ck]
	if !ok {
		set = make(map[string]struct{})
		r.byCart[ck] = set
	}
	set[res.ID] = struct{}{}
}

func (r *ReservationRepository) unindex(res *domain.Reservation) {
	if r.byProduct[res.Key()] == res.ID {
		delete(r.byProduct, res.Key())
	}
	ck := cartKey{CartID: res.CartID, ShopDomain: res.ShopDomain}
	if set, ok := r.byCart[ck]; ok {
		delete(set, res.ID)
		if len(set) == 0 {
			delete(r.byCart, ck)
		}
	}
}
