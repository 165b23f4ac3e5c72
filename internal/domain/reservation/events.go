package reservation

import "time"

const (
	ReleaseReasonCart     = "released"
	ReleaseReasonExpired  = "expired"
	ReleaseReasonTakeover = "taken_over"
)

const (
	EventGranted   = "reservation.granted"
	EventReleased  = "reservation.released"
	EventFinalized = "reservation.finalized"
)

// EventNames lists every lifecycle event the reservation domain publishes.
var EventNames = []string{EventGranted, EventReleased, EventFinalized}

// eventKey orders the lifecycle of one product slot.
func eventKey(shopDomain, productID string) string { return shopDomain + "/" + productID }

// GrantedEvent is emitted when a cart acquires or re-acquires a hold.
type GrantedEvent struct {
	ReservationID string    `json:"reservationId"`
	ProductID     string    `json:"productId"`
	CartID        string    `json:"cartId"`
	ShopDomain    string    `json:"shop"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Extended      bool      `json:"extended"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func (GrantedEvent) EventName() string  { return EventGranted }
func (e GrantedEvent) EventKey() string { return eventKey(e.ShopDomain, e.ProductID) }

func NewGrantedEvent(r *Reservation, extended bool, now time.Time) GrantedEvent {
	return GrantedEvent{
		ReservationID: r.ID,
		ProductID:     r.ProductID,
		CartID:        r.CartID,
		ShopDomain:    r.ShopDomain,
		ExpiresAt:     r.ExpiresAt,
		Extended:      extended,
		OccurredAt:    now.UTC(),
	}
}

// ReleasedEvent is emitted when a hold is dropped and the product becomes available again.
type ReleasedEvent struct {
	ReservationID string    `json:"reservationId"`
	ProductID     string    `json:"productId"`
	CartID        string    `json:"cartId"`
	ShopDomain    string    `json:"shop"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func (ReleasedEvent) EventName() string  { return EventReleased }
func (e ReleasedEvent) EventKey() string { return eventKey(e.ShopDomain, e.ProductID) }

func NewReleasedEvent(r *Reservation, reason string, now time.Time) ReleasedEvent {
	return ReleasedEvent{
		ReservationID: r.ID,
		ProductID:     r.ProductID,
		CartID:        r.CartID,
		ShopDomain:    r.ShopDomain,
		Reason:        reason,
		OccurredAt:    now.UTC(),
	}
}

// FinalizedEvent is emitted per reservation when a cart proceeds to checkout.
type FinalizedEvent struct {
	ReservationID string    `json:"reservationId"`
	ProductID     string    `json:"productId"`
	CartID        string    `json:"cartId"`
	ShopDomain    string    `json:"shop"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func (FinalizedEvent) EventName() string  { return EventFinalized }
func (e FinalizedEvent) EventKey() string { return eventKey(e.ShopDomain, e.ProductID) }

func NewFinalizedEvent(r *Reservation, now time.Time) FinalizedEvent {
	return FinalizedEvent{
		ReservationID: r.ID,
		ProductID:     r.ProductID,
		CartID:        r.CartID,
		ShopDomain:    r.ShopDomain,
		OccurredAt:    now.UTC(),
	}
}
