package httppresentation

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Zhima-Mochi/cart-reservation/internal/config"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability/logctx"
)

// requireAdmin enforces the bearer token when one is configured.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.deps.AdminToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.deps.AdminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next(w, r)
	}
}

type adminReservation struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"productId"`
	CartID     string    `json:"cartId"`
	Shop       string    `json:"shop"`
	ReservedAt time.Time `json:"reservedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	TimeLeftMS int64     `json:"timeLeft"`
}

type adminReservationsResponse struct {
	Shop         string             `json:"shop,omitempty"`
	Reservations []adminReservation `json:"reservations"`
}

func (h *Handler) handleAdminReservations(w http.ResponseWriter, r *http.Request) {
	shop := r.URL.Query().Get("shop")
	active, err := h.deps.Queries.ActiveReservations(r.Context(), shop)
	if err != nil {
		logctx.FromOr(r.Context(), h.log).Error("admin_reservations_failed", observability.F("error", err))
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	now := h.deps.Queries.Now()
	out := make([]adminReservation, 0, len(active))
	for _, rec := range active {
		out = append(out, adminReservation{
			ID:         rec.ID,
			ProductID:  rec.ProductID,
			CartID:     rec.CartID,
			Shop:       rec.ShopDomain,
			ReservedAt: rec.ReservedAt.UTC(),
			ExpiresAt:  rec.ExpiresAt.UTC(),
			TimeLeftMS: rec.TimeLeft(now).Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, adminReservationsResponse{Shop: shop, Reservations: out})
}

// handleDeleteReservation removes a record outright. The catalog is not touched.
func (h *Handler) handleDeleteReservation(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing parameters")
		return
	}
	ok, err := h.deps.Records.DeleteReservation(r.Context(), id)
	if err != nil {
		logctx.FromOr(r.Context(), h.log).Error("admin_delete_reservation_failed",
			observability.F("reservation_id", id),
			observability.F("error", err),
		)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "reservation not found")
		return
	}
	logctx.FromOr(r.Context(), h.log).Info("reservation_deleted", observability.F("reservation_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type tenantRequest struct {
	Shop        string `json:"shop"`
	Driver      string `json:"driver"`
	Endpoint    string `json:"endpoint"`
	AccessToken string `json:"accessToken"`
	APIVersion  string `json:"apiVersion"`
	RedisAddr   string `json:"redisAddr"`
	Timeout     string `json:"timeout"`
}

type tenantResponse struct {
	Shop     string `json:"shop"`
	Replaced bool   `json:"replaced"`
}

type tenantsResponse struct {
	Tenants []string `json:"tenants"`
}

func (h *Handler) handleListTenants(w http.ResponseWriter, _ *http.Request) {
	shops := make([]string, 0)
	for shop := range h.deps.Tenants.Snapshot() {
		shops = append(shops, shop)
	}
	slices.Sort(shops)
	writeJSON(w, http.StatusOK, tenantsResponse{Tenants: shops})
}

func (h *Handler) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decodeStrictJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant payload")
		return
	}

	t := config.Tenant{
		Shop:        req.Shop,
		Driver:      req.Driver,
		Endpoint:    req.Endpoint,
		AccessToken: req.AccessToken,
		APIVersion:  req.APIVersion,
		RedisAddr:   req.RedisAddr,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		t.Timeout = d
	}

	conn, err := h.deps.Connector.Open(t)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	replaced := h.deps.Tenants.Register(t.Shop, conn)

	logctx.FromOr(r.Context(), h.log).Info("tenant_registered",
		observability.F("shop", t.Shop),
		observability.F("driver", t.Driver),
		observability.F("replaced", replaced),
	)
	writeJSON(w, http.StatusOK, tenantResponse{Shop: t.Shop, Replaced: replaced})
}

func (h *Handler) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	shop := r.URL.Query().Get("shop")
	if shop == "" {
		writeError(w, http.StatusBadRequest, "Missing parameters")
		return
	}
	if !h.deps.Tenants.Unregister(shop) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	logctx.FromOr(r.Context(), h.log).Info("tenant_unregistered", observability.F("shop", shop))
	w.WriteHeader(http.StatusNoContent)
}

type reclaimResponse struct {
	Reclaimed int `json:"reclaimed"`
}

func (h *Handler) handleReclaim(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Sweeper.RunOnce(r.Context())
	if err != nil {
		logctx.FromOr(r.Context(), h.log).Error("manual_reclaim_failed",
			observability.F("reclaimed", n),
			observability.F("error", err),
		)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, reclaimResponse{Reclaimed: n})
}
