package reservation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"slices"
	"sync"
	"time"

	domoutbox "github.com/Zhima-Mochi/cart-reservation/internal/domain/outbox"
	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
)

const (
	reservationService = "reservation-service"

	useCaseReserve  = "reservation.reserve"
	useCaseRelease  = "reservation.release"
	useCaseFinalize = "reservation.finalize"
	useCaseReclaim  = "reservation.reclaim"
	useCaseQuery    = "reservation.query"
	useCaseDelete   = "reservation.delete"

	spanPrefix = "UC."

	catalogPeer     = "catalog"
	endpointReserve = "catalog.reserve"
	endpointClear   = "catalog.clear"
	publishPeer     = "outbox"
	publishTimeout  = 300 * time.Millisecond

	slotStripes = 64
)

// ReasonAlreadyReserved is the denial reason when another cart holds a live reservation.
const ReasonAlreadyReserved = "already_reserved"

// ErrMirrorSync wraps a failed catalog update. The local transition it accompanies has
// already been applied and is not rolled back.
var ErrMirrorSync = errors.New("reservation: catalog sync failed")

type ReserveResult struct {
	Granted     bool
	Reason      string
	Reservation *domain.Reservation
	ExpiresAt   time.Time
	Extended    bool
	TookOver    bool
}

type ReleaseOutcome string

const (
	Released ReleaseOutcome = "released"
	NotFound ReleaseOutcome = "not_found"
)

type Options struct {
	// TTL defaults to domain.DefaultTTL.
	TTL time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Service is the reservation lease manager. It owns the one-active-holder-per-product
// rule; the repository only stores records.
type Service struct {
	repo      domain.Repository
	publisher domoutbox.Publisher
	clock     clockwork.Clock
	ttl       time.Duration
	slots     *slotLocks
	writes    *slotWrites

	log          observability.Logger
	tracer       observability.Tracer
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewService(repo domain.Repository, publisher domoutbox.Publisher, tel observability.Observability, opts Options) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	metrics := tel.Metrics()
	return &Service{
		repo:         repo,
		publisher:    publisher,
		clock:        opts.Clock,
		ttl:          opts.TTL,
		slots:        newSlotLocks(),
		writes:       newSlotWrites(),
		log:          tel.Logger().With(observability.F("service", reservationService)),
		tracer:       tel.Tracer(),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		extCounter:   metrics.Counter(observability.MExternalRequests),
		extHistogram: metrics.Histogram(observability.MExternalRequestDuration),
	}
}

func (s *Service) TTL() time.Duration { return s.ttl }

// Reserve grants, extends or denies a hold on productID for cartID.
// A denial is a normal outcome: Granted is false and err is nil.
// When the catalog update fails the returned result still describes the local grant.
func (s *Service) Reserve(ctx context.Context, conn Mirror, productID, cartID, shopDomain string) (_ *ReserveResult, err error) {
	ctx, c := s.begin(ctx, useCaseReserve, "Reserve",
		observability.F("product_id", productID),
		observability.F("cart_id", cartID),
		observability.F("shop", shopDomain),
	)
	defer func() { s.end(ctx, c, err) }()

	if productID == "" || cartID == "" || shopDomain == "" {
		c.fail("INVALID_INPUT")
		return nil, fmt.Errorf("reservation: reserve: %w", domain.ErrMissingField)
	}

	now := s.clock.Now()
	key := domain.Key{ProductID: productID, ShopDomain: shopDomain}

	unlock := s.slots.lock(key)
	result, stale, err := s.acquireLocked(ctx, key, cartID, now)
	var tk *writeTicket
	if stale != nil || (result != nil && result.Granted) {
		tk = s.writes.issue(key)
	}
	unlock()
	defer s.writes.done(tk)

	if stale != nil {
		// The stale holder gets the full release path before the new grant is mirrored,
		// also when creating the new record failed.
		if mirrorErr := s.clearMirror(ctx, conn, tk, stale, domain.ReleaseReasonTakeover, now); mirrorErr != nil {
			c.log.Warn("stale_reservation_clear_failed",
				observability.F("reservation_id", stale.ID),
				observability.F("stale_cart_id", stale.CartID),
				observability.F("error", mirrorErr),
			)
		}
	}
	if err != nil {
		c.fail("STORE_FAILED")
		return nil, fmt.Errorf("reservation: reserve: %w", err)
	}

	if !result.Granted {
		c.outcome, c.status = "denied", "ALREADY_RESERVED"
		return result, nil
	}

	c.with(
		observability.F("reservation_id", result.Reservation.ID),
		observability.F("extended", result.Extended),
		observability.F("took_over", result.TookOver),
	)

	mirrorErr := s.sync(ctx, conn, tk, endpointReserve, productID, domain.ReservedState(result.Reservation))
	s.publish(ctx, domain.NewGrantedEvent(result.Reservation, result.Extended, now))
	if mirrorErr != nil {
		c.fail("MIRROR_FAILED")
		return result, fmt.Errorf("reservation: reserve: %w: %w", ErrMirrorSync, mirrorErr)
	}
	return result, nil
}

// acquireLocked applies the local part of Reserve. The caller holds the slot lock.
// stale is non-nil when an expired hold of another cart was deactivated on the way.
func (s *Service) acquireLocked(ctx context.Context, key domain.Key, cartID string, now time.Time) (*ReserveResult, *domain.Reservation, error) {
	existing, err := s.repo.FindActiveByProduct(ctx, key.ProductID, key.ShopDomain)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, err
	}

	var stale *domain.Reservation
	if existing != nil {
		if existing.HeldBy(cartID) {
			updated, err := s.repo.Update(ctx, existing.ID, domain.ExtendPatch(now, s.ttl))
			if err != nil {
				return nil, nil, err
			}
			return granted(updated, true, false), nil, nil
		}
		if existing.Live(now) {
			return &ReserveResult{Granted: false, Reason: ReasonAlreadyReserved, ExpiresAt: existing.ExpiresAt}, nil, nil
		}
		stale, err = s.repo.Update(ctx, existing.ID, domain.DeactivatePatch())
		if err != nil {
			return nil, nil, err
		}
	}

	fresh, err := domain.New(key.ProductID, cartID, key.ShopDomain, now, s.ttl)
	if err != nil {
		return nil, stale, err
	}
	created, err := s.repo.Create(ctx, fresh)
	if err != nil {
		return nil, stale, err
	}
	return granted(created, false, stale != nil), stale, nil
}

func granted(r *domain.Reservation, extended, tookOver bool) *ReserveResult {
	return &ReserveResult{
		Granted:     true,
		Reservation: r,
		ExpiresAt:   r.ExpiresAt,
		Extended:    extended,
		TookOver:    tookOver,
	}
}

// Release drops cartID's hold on productID. Releasing a product the cart does not hold
// reports NotFound without error.
func (s *Service) Release(ctx context.Context, conn Mirror, productID, cartID, shopDomain string) (_ ReleaseOutcome, err error) {
	ctx, c := s.begin(ctx, useCaseRelease, "Release",
		observability.F("product_id", productID),
		observability.F("cart_id", cartID),
		observability.F("shop", shopDomain),
	)
	defer func() { s.end(ctx, c, err) }()

	key := domain.Key{ProductID: productID, ShopDomain: shopDomain}

	unlock := s.slots.lock(key)
	released, err := s.releaseLocked(ctx, key, cartID)
	var tk *writeTicket
	if released != nil {
		tk = s.writes.issue(key)
	}
	unlock()
	defer s.writes.done(tk)
	if err != nil {
		c.fail("STORE_FAILED")
		return NotFound, fmt.Errorf("reservation: release: %w", err)
	}
	if released == nil {
		c.outcome, c.status = "not_found", "NO_MATCHING_RESERVATION"
		return NotFound, nil
	}

	c.with(observability.F("reservation_id", released.ID))
	if mirrorErr := s.clearMirror(ctx, conn, tk, released, domain.ReleaseReasonCart, s.clock.Now()); mirrorErr != nil {
		c.fail("MIRROR_FAILED")
		return Released, fmt.Errorf("reservation: release: %w: %w", ErrMirrorSync, mirrorErr)
	}
	return Released, nil
}

func (s *Service) releaseLocked(ctx context.Context, key domain.Key, cartID string) (*domain.Reservation, error) {
	existing, err := s.repo.FindActiveByProduct(ctx, key.ProductID, key.ShopDomain)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !existing.HeldBy(cartID) {
		return nil, nil
	}
	return s.repo.Update(ctx, existing.ID, domain.DeactivatePatch())
}

// Finalize deactivates every active hold of the cart for checkout. The catalog is left
// showing the products as reserved; finalize never clears the mirror.
func (s *Service) Finalize(ctx context.Context, cartID, shopDomain string) (_ int, err error) {
	ctx, c := s.begin(ctx, useCaseFinalize, "Finalize",
		observability.F("cart_id", cartID),
		observability.F("shop", shopDomain),
	)
	defer func() { s.end(ctx, c, err) }()

	held, err := s.repo.FindActiveByCart(ctx, cartID, shopDomain)
	if err != nil {
		c.fail("STORE_FAILED")
		return 0, fmt.Errorf("reservation: finalize: %w", err)
	}

	now := s.clock.Now()
	finalized := 0
	for _, rec := range held {
		unlock := s.slots.lock(rec.Key())
		done, err := s.deactivateIfCurrent(ctx, rec, func(*domain.Reservation) bool { return true })
		unlock()
		if err != nil {
			c.fail("STORE_FAILED")
			return finalized, fmt.Errorf("reservation: finalize %s: %w", rec.ID, err)
		}
		if done == nil {
			continue
		}
		finalized++
		s.publish(ctx, domain.NewFinalizedEvent(done, now))
	}

	c.with(observability.F("finalized", finalized))
	return finalized, nil
}

// ExpireAndReclaim releases every expired hold of one tenant, whichever cart held it.
// Local deactivation does not depend on the catalog: a record whose mirror update fails
// is logged and still counted.
func (s *Service) ExpireAndReclaim(ctx context.Context, shopDomain string, conn Mirror, now time.Time) (_ int, err error) {
	ctx, c := s.begin(ctx, useCaseReclaim, "ExpireAndReclaim",
		observability.F("shop", shopDomain),
	)
	defer func() { s.end(ctx, c, err) }()

	expired, err := s.repo.ListExpiredActive(ctx, now)
	if err != nil {
		c.fail("STORE_FAILED")
		return 0, fmt.Errorf("reservation: list expired: %w", err)
	}

	reclaimed, mirrorFailures := 0, 0
	for _, rec := range expired {
		if rec.ShopDomain != shopDomain {
			continue
		}

		unlock := s.slots.lock(rec.Key())
		done, err := s.deactivateIfCurrent(ctx, rec, func(cur *domain.Reservation) bool { return cur.Expired(now) })
		var tk *writeTicket
		if done != nil {
			tk = s.writes.issue(rec.Key())
		}
		unlock()
		if err != nil {
			c.fail("STORE_FAILED")
			return reclaimed, fmt.Errorf("reservation: reclaim %s: %w", rec.ID, err)
		}
		if done == nil {
			// extended or released since the listing
			continue
		}

		reclaimed++
		mirrorErr := s.clearMirror(ctx, conn, tk, done, domain.ReleaseReasonExpired, now)
		s.writes.done(tk)
		if mirrorErr != nil {
			mirrorFailures++
			c.log.Warn("reclaimed_reservation_clear_failed",
				observability.F("reservation_id", done.ID),
				observability.F("product_id", done.ProductID),
				observability.F("error", mirrorErr),
			)
		}
	}

	c.with(
		observability.F("reclaimed", reclaimed),
		observability.F("mirror_failures", mirrorFailures),
	)
	return reclaimed, nil
}

// deactivateIfCurrent deactivates rec only if it is still the active record of its key
// and cond holds for the current version. It returns nil when nothing changed.
// The caller holds the slot lock.
func (s *Service) deactivateIfCurrent(ctx context.Context, rec *domain.Reservation, cond func(*domain.Reservation) bool) (*domain.Reservation, error) {
	cur, err := s.repo.FindActiveByProduct(ctx, rec.ProductID, rec.ShopDomain)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cur.ID != rec.ID || !cond(cur) {
		return nil, nil
	}
	return s.repo.Update(ctx, cur.ID, domain.DeactivatePatch())
}

// CartReservations returns the active holds of a cart, soonest expiry first.
func (s *Service) CartReservations(ctx context.Context, cartID, shopDomain string) (_ []*domain.Reservation, err error) {
	ctx, c := s.begin(ctx, useCaseQuery, "CartReservations",
		observability.F("cart_id", cartID),
		observability.F("shop", shopDomain),
	)
	defer func() { s.end(ctx, c, err) }()

	out, err := s.repo.FindActiveByCart(ctx, cartID, shopDomain)
	if err != nil {
		c.fail("STORE_FAILED")
		return nil, fmt.Errorf("reservation: cart reservations: %w", err)
	}
	sortReservations(out)
	return out, nil
}

// ActiveReservations lists active holds for one tenant, or for all tenants when shopDomain is empty.
func (s *Service) ActiveReservations(ctx context.Context, shopDomain string) ([]*domain.Reservation, error) {
	all, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("reservation: list active: %w", err)
	}
	out := all[:0]
	for _, r := range all {
		if shopDomain == "" || r.ShopDomain == shopDomain {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out, nil
}

// DeleteReservation removes a record from the store. It is an administrative repair and
// does not touch the catalog or publish events.
func (s *Service) DeleteReservation(ctx context.Context, id string) (_ bool, err error) {
	ctx, c := s.begin(ctx, useCaseDelete, "DeleteReservation",
		observability.F("reservation_id", id),
	)
	defer func() { s.end(ctx, c, err) }()

	if id == "" {
		c.fail("INVALID_INPUT")
		return false, fmt.Errorf("reservation: delete: %w", domain.ErrMissingField)
	}
	ok, err := s.repo.Delete(ctx, id)
	if err != nil {
		c.fail("STORE_FAILED")
		return false, fmt.Errorf("reservation: delete: %w", err)
	}
	if !ok {
		c.outcome, c.status = "not_found", "NO_MATCHING_RESERVATION"
	}
	return ok, nil
}

// Now exposes the service clock so callers can compute time left consistently.
func (s *Service) Now() time.Time { return s.clock.Now() }

func sortReservations(rs []*domain.Reservation) {
	slices.SortFunc(rs, func(a, b *domain.Reservation) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
}

// clearMirror is the tail of the release path: it resets the catalog and publishes the
// release. The local record must already be inactive.
func (s *Service) clearMirror(ctx context.Context, conn Mirror, tk *writeTicket, rec *domain.Reservation, reason string, now time.Time) error {
	err := s.sync(ctx, conn, tk, endpointClear, rec.ProductID, domain.ClearedState())
	s.publish(ctx, domain.NewReleasedEvent(rec, reason, now))
	return err
}

// sync writes state to the catalog unless a later transition of the slot already did.
func (s *Service) sync(ctx context.Context, conn Mirror, tk *writeTicket, endpoint, productID string, state domain.MirrorState) error {
	if conn == nil {
		return nil
	}

	applied, err := s.writes.apply(tk, func() error {
		return s.write(ctx, conn, endpoint, productID, state)
	})
	if !applied {
		s.log.Debug("catalog_write_superseded",
			observability.F("endpoint", endpoint),
			observability.F("product_id", productID),
		)
	}
	return err
}

func (s *Service) write(ctx context.Context, conn Mirror, endpoint, productID string, state domain.MirrorState) error {
	ctx, span := s.tracer.Start(ctx, "Catalog.Sync",
		attribute.String("peer", catalogPeer),
		attribute.String("endpoint", endpoint),
		attribute.String("product.id", productID),
	)
	defer span.End()

	start := time.Now()
	err := conn.Sync(ctx, productID, state)
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
	}

	s.extCounter.Add(1,
		observability.L("peer", catalogPeer),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	s.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", catalogPeer),
		observability.L("endpoint", endpoint),
	)
	return err
}

func (s *Service) publish(ctx context.Context, event domoutbox.Event) {
	if s.publisher == nil || event == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	start := time.Now()
	err := s.publisher.Publish(pubCtx, event)
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else if pubCtx.Err() != nil {
		outcome = "canceled"
		err = pubCtx.Err()
	}
	cancel()

	s.extCounter.Add(1,
		observability.L("peer", publishPeer),
		observability.L("endpoint", event.EventName()),
		observability.L("outcome", outcome),
	)
	s.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", publishPeer),
		observability.L("endpoint", event.EventName()),
	)
	if err != nil {
		s.log.Warn("event_publish_failed",
			observability.F("event", event.EventName()),
			observability.F("error", err),
		)
	}
}

// slotLocks serialises manager transitions per (shop, product) slot using a fixed
// set of striped mutexes.
type slotLocks struct {
	seed    maphash.Seed
	stripes [slotStripes]sync.Mutex
}

func newSlotLocks() *slotLocks {
	return &slotLocks{seed: maphash.MakeSeed()}
}

func (l *slotLocks) lock(k domain.Key) func() {
	h := maphash.String(l.seed, k.ShopDomain+"\x00"+k.ProductID)
	m := &l.stripes[h%slotStripes]
	m.Lock()
	return m.Unlock
}
