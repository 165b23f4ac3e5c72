package reservation

import "time"

// MirrorState is what the external catalog shows for a product.
// The zero value is the cleared state: not reserved, no holder, no deadline.
type MirrorState struct {
	IsReserved    bool
	CartID        string
	ReservedUntil time.Time
}

func ReservedState(r *Reservation) MirrorState {
	return MirrorState{
		IsReserved:    true,
		CartID:        r.CartID,
		ReservedUntil: r.ExpiresAt,
	}
}

func ClearedState() MirrorState { return MirrorState{} }

func (s MirrorState) Cleared() bool {
	return !s.IsReserved && s.CartID == "" && s.ReservedUntil.IsZero()
}
