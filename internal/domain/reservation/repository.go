package reservation

import (
	"context"
	"time"
)

// Repository is the lease store. Every method is atomic; returned records are copies.
type Repository interface {
	// Create assigns an ID and stores r. It fails with ErrConflict when r is active and
	// its key already has an active record.
	Create(ctx context.Context, r *Reservation) (*Reservation, error)
	// FindActiveByProduct returns ErrNotFound when the key has no active record.
	FindActiveByProduct(ctx context.Context, productID, shopDomain string) (*Reservation, error)
	FindActiveByCart(ctx context.Context, cartID, shopDomain string) ([]*Reservation, error)
	// Update merges p into the record with the given id. It returns ErrNotFound for an
	// unknown id and ErrConflict when re-activating would break the one-active-per-key rule.
	Update(ctx context.Context, id string, p Patch) (*Reservation, error)
	// Delete physically removes a record. Administrative only.
	Delete(ctx context.Context, id string) (bool, error)
	ListExpiredActive(ctx context.Context, now time.Time) ([]*Reservation, error)
	ListActive(ctx context.Context) ([]*Reservation, error)
}
