package httppresentation

import (
	"errors"
	"net/http"
	"time"

	appReservation "github.com/Zhima-Mochi/cart-reservation/internal/application/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability/logctx"
)

const (
	msgMissingParams    = "Missing required parameters"
	msgInvalidJSON      = "Invalid JSON"
	msgUnauthorized     = "Unauthorized"
	msgInvalidAction    = "Invalid action"
	msgNotAuthenticated = "Shop not authenticated"
	msgInternal         = "internal server error"
)

type reserveRequest struct {
	Action    string `json:"action"`
	ProductID string `json:"productId"`
	CartID    string `json:"cartId"`
	Shop      string `json:"shop"`
}

type reserveResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Finalized *int       `json:"finalized,omitempty"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	h.execute(w, r, appReservation.Command{
		Action:     appReservation.Action(req.Action),
		ProductID:  req.ProductID,
		CartID:     req.CartID,
		ShopDomain: req.Shop,
	})
}

// handleProxyReserve serves the storefront app proxy, which posts a form and names
// the shop in the signed query string.
func (h *Handler) handleProxyReserve(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if !verifyProxySignature(query, h.deps.ProxySecret) {
		logctx.FromOr(r.Context(), h.log).Warn("proxy_signature_rejected",
			observability.F("shop", query.Get("shop")),
		)
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}
	h.execute(w, r, appReservation.Command{
		Action:     appReservation.Action(r.PostForm.Get("action")),
		ProductID:  r.PostForm.Get("productId"),
		CartID:     r.PostForm.Get("cartId"),
		ShopDomain: query.Get("shop"),
	})
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, cmd appReservation.Command) {
	res, err := h.deps.Commands.Execute(r.Context(), cmd)
	if err != nil {
		h.writeCommandError(w, r, cmd, err)
		return
	}

	switch res.Outcome {
	case appReservation.OutcomeDenied:
		writeError(w, http.StatusConflict, res.Message)
	case appReservation.OutcomeNotFound:
		writeError(w, http.StatusNotFound, res.Message)
	case appReservation.OutcomeFinalized:
		n := res.Finalized
		writeJSON(w, http.StatusOK, reserveResponse{Success: true, Message: res.Message, Finalized: &n})
	default:
		var expires *time.Time
		if res.ExpiresAt != nil {
			t := res.ExpiresAt.UTC()
			expires = &t
		}
		writeJSON(w, http.StatusOK, reserveResponse{Success: true, Message: res.Message, ExpiresAt: expires})
	}
}

func (h *Handler) writeCommandError(w http.ResponseWriter, r *http.Request, cmd appReservation.Command, err error) {
	switch {
	case errors.Is(err, appReservation.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, msgMissingParams)
	case errors.Is(err, appReservation.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, msgInvalidAction)
	case errors.Is(err, appReservation.ErrTenantNotConnected):
		writeError(w, http.StatusUnauthorized, msgNotAuthenticated)
	case errors.Is(err, appReservation.ErrMirrorSync):
		msg := "failed to reserve product"
		if cmd.Action == appReservation.ActionRelease {
			msg = "failed to release reservation"
		}
		writeError(w, http.StatusBadGateway, msg)
	default:
		logctx.FromOr(r.Context(), h.log).Error("reservation_command_failed",
			observability.F("action", string(cmd.Action)),
			observability.F("error", err),
		)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

type cartReservation struct {
	ProductID string    `json:"productId"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsActive  bool      `json:"isActive"`
}

type cartReservationsResponse struct {
	Success      bool              `json:"success"`
	Reservations []cartReservation `json:"reservations"`
}

func (h *Handler) handleCartReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cartID, shop := q.Get("cartId"), q.Get("shop")
	if cartID == "" || shop == "" {
		writeError(w, http.StatusBadRequest, "Missing parameters")
		return
	}

	held, err := h.deps.Queries.CartReservations(r.Context(), cartID, shop)
	if err != nil {
		logctx.FromOr(r.Context(), h.log).Error("cart_reservations_failed", observability.F("error", err))
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	out := make([]cartReservation, 0, len(held))
	for _, rec := range held {
		out = append(out, cartReservation{
			ProductID: rec.ProductID,
			ExpiresAt: rec.ExpiresAt.UTC(),
			IsActive:  rec.IsActive,
		})
	}
	writeJSON(w, http.StatusOK, cartReservationsResponse{Success: true, Reservations: out})
}
