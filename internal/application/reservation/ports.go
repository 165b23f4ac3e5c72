package reservation

import (
	"context"

	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
)

// Mirror upserts reservation attributes onto a tenant's catalog product.
// It must accept domain.ClearedState() to represent a release.
type Mirror interface {
	Sync(ctx context.Context, productID string, state domain.MirrorState) error
}

// TenantConnections resolves the catalog connection of each tenant. The surrounding
// system owns acquiring and caching the connections.
type TenantConnections interface {
	Connection(shopDomain string) (Mirror, bool)
	// Snapshot returns every tenant with a live connection at call time.
	Snapshot() map[string]Mirror
}
