package reservation

import (
	"errors"
	"time"
)

// DefaultTTL is how long a hold lasts unless it is extended.
const DefaultTTL = 15 * time.Minute

var (
	ErrNotFound     = errors.New("reservation: not found")
	ErrConflict     = errors.New("reservation: product already has an active reservation")
	ErrInvalidTTL   = errors.New("reservation: ttl must be greater than zero")
	ErrMissingField = errors.New("reservation: product, cart and shop are required")
)

// Key identifies the slot a reservation occupies. Uniqueness is per tenant.
type Key struct {
	ProductID  string
	ShopDomain string
}

type Reservation struct {
	ID         string
	ProductID  string
	CartID     string
	ShopDomain string
	ReservedAt time.Time
	ExpiresAt  time.Time
	IsActive   bool
}

// New builds an active, not yet stored reservation. The store assigns the ID.
func New(productID, cartID, shopDomain string, now time.Time, ttl time.Duration) (*Reservation, error) {
	if productID == "" || cartID == "" || shopDomain == "" {
		return nil, ErrMissingField
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return &Reservation{
		ProductID:  productID,
		CartID:     cartID,
		ShopDomain: shopDomain,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
		IsActive:   true,
	}, nil
}

func (r *Reservation) Key() Key {
	return Key{ProductID: r.ProductID, ShopDomain: r.ShopDomain}
}

func (r *Reservation) HeldBy(cartID string) bool {
	return r.CartID == cartID
}

// Expired reports whether the hold has lapsed at now. A hold expiring exactly at now is expired.
func (r *Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Live reports whether the reservation still blocks other carts at now.
func (r *Reservation) Live(now time.Time) bool {
	return r.IsActive && !r.Expired(now)
}

// TimeLeft is the remaining hold duration, floored at zero.
func (r *Reservation) TimeLeft(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Patch carries the mutable fields of a reservation. Nil fields are left untouched.
type Patch struct {
	ReservedAt *time.Time
	ExpiresAt  *time.Time
	IsActive   *bool
}

// Apply merges p into r.
func (p Patch) Apply(r *Reservation) {
	if p.ReservedAt != nil {
		r.ReservedAt = *p.ReservedAt
	}
	if p.ExpiresAt != nil {
		r.ExpiresAt = *p.ExpiresAt
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
}

// ExtendPatch refreshes the hold window starting at now.
func ExtendPatch(now time.Time, ttl time.Duration) Patch {
	expires := now.Add(ttl)
	active := true
	return Patch{ReservedAt: &now, ExpiresAt: &expires, IsActive: &active}
}

func DeactivatePatch() Patch {
	inactive := false
	return Patch{IsActive: &inactive}
}
