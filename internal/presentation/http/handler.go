package httppresentation

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Zhima-Mochi/cart-reservation/internal/application"
	appReservation "github.com/Zhima-Mochi/cart-reservation/internal/application/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/config"
	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability/logctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerShopDomain     = "X-Shopify-Shop-Domain"
)

// Queries is the read side of the reservation service.
type Queries interface {
	CartReservations(ctx context.Context, cartID, shopDomain string) ([]*domain.Reservation, error)
	ActiveReservations(ctx context.Context, shopDomain string) ([]*domain.Reservation, error)
	Now() time.Time
}

// Tenants registers catalog connections at runtime.
type Tenants interface {
	Register(shop string, conn appReservation.Mirror) bool
	Unregister(shop string) bool
	Snapshot() map[string]appReservation.Mirror
}

// Connector opens a catalog connection for a tenant definition.
type Connector interface {
	Open(t config.Tenant) (appReservation.Mirror, error)
}

// Records is the administrative write side of the store.
type Records interface {
	DeleteReservation(ctx context.Context, id string) (bool, error)
}

// Sweeper runs one reclamation pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (int, error)
}

type Deps struct {
	Commands   application.UseCase[appReservation.Command, *appReservation.Result]
	Queries    Queries
	Tenants    Tenants
	Connector  Connector
	Records    Records
	Sweeper    Sweeper
	AdminToken string
	// ProxySecret signs app proxy requests. Without it the proxy route rejects everything.
	ProxySecret string
}

type Handler struct {
	deps Deps
	log  observability.Logger
	tel  observability.Observability

	httpRequests observability.Counter
	httpDuration observability.Histogram
}

func NewHandler(deps Deps, tel observability.Observability) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		deps:         deps,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		tel:          tel,
		httpRequests: tel.Metrics().Counter(observability.MHTTPRequests),
		httpDuration: tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Trace → ObservabilityMiddleware (request logger) → HTTP metrics → Access log → Handler
	h.muxHandle(mux, http.MethodPost, "/api/reserve", withCORS(h.handleReserve))
	h.muxHandle(mux, http.MethodOptions, "/api/reserve", handlePreflight)
	h.muxHandle(mux, http.MethodGet, "/api/reservations", withCORS(h.handleCartReservations))
	h.muxHandle(mux, http.MethodOptions, "/api/reservations", handlePreflight)
	h.muxHandle(mux, http.MethodPost, "/proxy/reserve", h.handleProxyReserve)

	h.muxHandle(mux, http.MethodGet, "/admin/reservations", h.requireAdmin(h.handleAdminReservations))
	h.muxHandle(mux, http.MethodDelete, "/admin/reservations", h.requireAdmin(h.handleDeleteReservation))
	h.muxHandle(mux, http.MethodGet, "/admin/tenants", h.requireAdmin(h.handleListTenants))
	h.muxHandle(mux, http.MethodPut, "/admin/tenants", h.requireAdmin(h.handlePutTenant))
	h.muxHandle(mux, http.MethodDelete, "/admin/tenants", h.requireAdmin(h.handleDeleteTenant))
	h.muxHandle(mux, http.MethodPost, "/admin/reclaim", h.requireAdmin(h.handleReclaim))

	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, path string, handler http.HandlerFunc) {
	route := method + " " + path
	wrapped := h.withTrace(
		ObservabilityMiddleware(
			h.log,
			func(r *http.Request) string { return r.Header.Get(headerRequestID) },
			shopFromRequest,
		)(
			h.withHTTPMetrics(
				h.withAccessLog(handler),
			),
		),
	)
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		// stable route template for low-cardinality labels
		wrapped.ServeHTTP(w, r.WithContext(contextWithRoute(r.Context(), route)))
	})
}

func shopFromRequest(r *http.Request) string {
	if shop := r.Header.Get(headerShopDomain); shop != "" {
		return shop
	}
	return r.URL.Query().Get("shop")
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := newStatusRecorder(w)

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	tracer := otel.Tracer("cart-reservation.http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		spanName := route
		if spanName == "unknown" {
			spanName = r.Method + " " + r.URL.Path
		}
		template := route
		if idx := strings.Index(template, " "); idx >= 0 {
			template = template[idx+1:]
		}
		if template == "unknown" || template == "" {
			template = r.URL.Path
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", template),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		lrw := newStatusRecorder(w)
		next.ServeHTTP(lrw, r.WithContext(ctxWithSpan))
		span.SetAttributes(attribute.Int("http.status_code", lrw.status))
	})
}

// withHTTPMetrics records RED-ish HTTP metrics using the injected instruments.
func (h *Handler) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := newStatusRecorder(w)

		next.ServeHTTP(lrw, r)

		labels := []observability.Label{
			observability.L("method", r.Method),
			observability.L("route", routeFromContext(r.Context())),
			observability.L("status", strconv.Itoa(lrw.status)),
		}
		h.httpRequests.Add(1, labels...)
		h.httpDuration.Observe(time.Since(start).Seconds(), labels...)
	})
}

// decodeJSON ignores fields dst does not declare; storefront clients send extras.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst)
}

func decodeStrictJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
