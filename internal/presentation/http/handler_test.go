package httppresentation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	appReservation "github.com/Zhima-Mochi/cart-reservation/internal/application/reservation"
	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/catalog"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/id"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/tenant"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testShop        = "s1.myshopify.com"
	testToken       = "admin-secret"
	testProxySecret = "proxy-secret"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stack struct {
	server   *httptest.Server
	clock    *clockwork.FakeClock
	mirror   *catalog.MemoryMirror
	registry *tenant.Registry
}

func newStack(t *testing.T) *stack {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	repo := memory.NewReservationRepository(id.NewUUIDGenerator())
	svc := appReservation.NewService(repo, nil, nil, appReservation.Options{TTL: domain.DefaultTTL, Clock: clock})

	mirror := catalog.NewMemoryMirror()
	registry := tenant.NewRegistry()
	registry.Register(testShop, mirror)

	reclaimer := appReservation.NewReclaimer(svc, registry, nil, appReservation.ReclaimerOptions{Clock: clock})
	h := NewHandler(Deps{
		Commands:    appReservation.NewDispatcher(svc, registry),
		Queries:     svc,
		Tenants:     registry,
		Connector:   tenant.NewConnector(),
		Records:     svc,
		Sweeper:     reclaimer,
		AdminToken:  testToken,
		ProxySecret: testProxySecret,
	}, nil)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &stack{server: srv, clock: clock, mirror: mirror, registry: registry}
}

func (s *stack) do(t *testing.T, method, path string, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (s *stack) reserve(t *testing.T, action, product, cart, shop string) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(reserveRequest{Action: action, ProductID: product, CartID: cart, Shop: shop})
	require.NoError(t, err)
	return s.do(t, http.MethodPost, "/api/reserve", string(body), http.Header{"Content-Type": {"application/json"}})
}

func adminHeader() http.Header {
	return http.Header{"Authorization": {"Bearer " + testToken}}
}

func TestReserveFlow(t *testing.T) {
	s := newStack(t)

	resp, body := s.reserve(t, "reserve", "p1", "c1", testShop)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Product reserved successfully", body["message"])
	assert.Equal(t, "2025-03-01T12:15:00Z", body["expiresAt"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, body = s.reserve(t, "reserve", "p1", "c2", testShop)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Product is already reserved by another customer", body["error"])

	resp, body = s.reserve(t, "release", "p1", "c1", testShop)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Reservation released successfully", body["message"])

	resp, _ = s.reserve(t, "release", "p1", "c1", testShop)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	state, err := s.mirror.Fetch(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, state.Cleared())
}

func TestReserveFinalize(t *testing.T) {
	s := newStack(t)
	s.reserve(t, "reserve", "p1", "c1", testShop)
	s.reserve(t, "reserve", "p2", "c1", testShop)

	resp, body := s.reserve(t, "finalize", "p1", "c1", testShop)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Finalized 2 reservations for checkout", body["message"])
	assert.Equal(t, 2.0, body["finalized"])
}

func TestReserveValidation(t *testing.T) {
	s := newStack(t)

	tests := []struct {
		name    string
		action  string
		product string
		shop    string
		status  int
		message string
	}{
		{"missing product", "reserve", "", testShop, http.StatusBadRequest, msgMissingParams},
		{"unknown action", "hold", "p1", testShop, http.StatusBadRequest, msgInvalidAction},
		{"unknown tenant", "reserve", "p1", "other.myshopify.com", http.StatusUnauthorized, msgNotAuthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.reserve(t, tt.action, tt.product, "c1", tt.shop)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.message, body["error"])
		})
	}

	resp, body := s.do(t, http.MethodPost, "/api/reserve", `{"action":"reserve","extra":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, msgMissingParams, body["error"])

	resp, body = s.do(t, http.MethodPost, "/api/reserve", `{"action":"reserve",`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, msgInvalidJSON, body["error"])
}

func TestReserveIgnoresUnknownFields(t *testing.T) {
	s := newStack(t)

	resp, body := s.do(t, http.MethodPost, "/api/reserve",
		`{"action":"reserve","productId":"p1","variantId":"v9","cartId":"c1","shop":"`+testShop+`"}`,
		http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
}

func TestReserveMirrorFailureIsBadGateway(t *testing.T) {
	s := newStack(t)
	s.mirror.SetFailure(catalog.ErrUnavailable)

	resp, body := s.reserve(t, "reserve", "p1", "c1", testShop)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "failed to reserve product", body["error"])
}

// signedProxyQuery returns the query the app proxy would forward for shop.
func signedProxyQuery(shop, secret string) url.Values {
	q := url.Values{
		"shop":                  {shop},
		"path_prefix":           {"/apps/reserve"},
		"timestamp":             {"1740830400"},
		"logged_in_customer_id": {""},
	}
	q.Set("signature", hex.EncodeToString(proxySignature(q, secret)))
	return q
}

func formHeader() http.Header {
	return http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
}

func TestProxyReserveUsesForm(t *testing.T) {
	s := newStack(t)

	form := url.Values{"action": {"reserve"}, "productId": {"p1"}, "cartId": {"c1"}}
	q := signedProxyQuery(testShop, testProxySecret)
	resp, body := s.do(t, http.MethodPost, "/proxy/reserve?"+q.Encode(), form.Encode(), formHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	state, err := s.mirror.Fetch(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "c1", state.CartID)
}

func TestProxyReserveRejectsUnsignedRequests(t *testing.T) {
	s := newStack(t)
	form := url.Values{"action": {"reserve"}, "productId": {"p1"}, "cartId": {"attacker"}}.Encode()

	tampered := signedProxyQuery(testShop, testProxySecret)
	tampered.Set("shop", "s2.myshopify.com")

	tests := []struct {
		name  string
		query string
	}{
		{"no signature", "shop=" + testShop},
		{"wrong secret", signedProxyQuery(testShop, "guess").Encode()},
		{"tampered shop", tampered.Encode()},
		{"not hex", "shop=" + testShop + "&signature=zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, "/proxy/reserve?"+tt.query, form, formHeader())
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, msgUnauthorized, body["error"])
		})
	}

	// the shop header is not trusted on the proxy route
	header := formHeader()
	header.Set(headerShopDomain, testShop)
	resp, _ := s.do(t, http.MethodPost, "/proxy/reserve", form, header)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	state, err := s.mirror.Fetch(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, state.Cleared())
}

func TestProxyReserveWithoutSecretRejects(t *testing.T) {
	h := NewHandler(Deps{Commands: failingCommands{err: errors.New("unreachable")}}, nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	q := signedProxyQuery(testShop, "")
	resp, err := srv.Client().PostForm(srv.URL+"/proxy/reserve?"+q.Encode(), url.Values{"action": {"reserve"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProxySignatureSortsAndJoins(t *testing.T) {
	q := url.Values{"b": {"2"}, "a": {"1", "3"}, "signature": {"ignored"}}

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("a=1,3b=2"))
	assert.Equal(t, mac.Sum(nil), proxySignature(q, "k"))
}

func TestPreflight(t *testing.T) {
	s := newStack(t)
	resp, _ := s.do(t, http.MethodOptions, "/api/reserve", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestCartReservations(t *testing.T) {
	s := newStack(t)
	s.reserve(t, "reserve", "p1", "c1", testShop)

	resp, body := s.do(t, http.MethodGet, "/api/reservations?cartId=c1&shop="+testShop, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["reservations"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].(map[string]any)["productId"])
	assert.Equal(t, true, list[0].(map[string]any)["isActive"])

	resp, body = s.do(t, http.MethodGet, "/api/reservations?cartId=c1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing parameters", body["error"])
}

func TestAdminRequiresToken(t *testing.T) {
	s := newStack(t)

	resp, _ := s.do(t, http.MethodGet, "/admin/reservations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/admin/reservations", "", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminReservationsReportsTimeLeft(t *testing.T) {
	s := newStack(t)
	s.reserve(t, "reserve", "p1", "c1", testShop)
	s.clock.Advance(5 * time.Minute)

	resp, body := s.do(t, http.MethodGet, "/admin/reservations?shop="+testShop, "", adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["reservations"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, float64((10 * time.Minute).Milliseconds()), list[0].(map[string]any)["timeLeft"])
}

func TestAdminDeleteReservation(t *testing.T) {
	s := newStack(t)
	s.reserve(t, "reserve", "p1", "c1", testShop)

	_, body := s.do(t, http.MethodGet, "/admin/reservations", "", adminHeader())
	list := body["reservations"].([]any)
	require.Len(t, list, 1)
	resID := list[0].(map[string]any)["id"].(string)

	resp, _ := s.do(t, http.MethodDelete, "/admin/reservations?id="+resID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/admin/reservations?id="+resID, "", adminHeader())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/admin/reservations?id="+resID, "", adminHeader())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.do(t, http.MethodDelete, "/admin/reservations", "", adminHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing parameters", body["error"])

	_, body = s.do(t, http.MethodGet, "/admin/reservations", "", adminHeader())
	assert.Empty(t, body["reservations"])

	// deletion does not touch the catalog
	state, err := s.mirror.Fetch(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "c1", state.CartID)
}

func TestAdminReclaim(t *testing.T) {
	s := newStack(t)
	s.reserve(t, "reserve", "p1", "c1", testShop)
	s.reserve(t, "reserve", "p2", "c2", testShop)
	s.clock.Advance(16 * time.Minute)

	resp, body := s.do(t, http.MethodPost, "/admin/reclaim", "", adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["reclaimed"])

	state, err := s.mirror.Fetch(context.Background(), "p2")
	require.NoError(t, err)
	assert.True(t, state.Cleared())
}

func TestAdminTenantLifecycle(t *testing.T) {
	s := newStack(t)
	const shop = "s2.myshopify.com"

	resp, body := s.do(t, http.MethodPut, "/admin/tenants",
		`{"shop":"`+shop+`","driver":"memory","timeout":"2s"}`, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["replaced"])

	resp, body = s.do(t, http.MethodGet, "/admin/tenants", "", adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{testShop, shop}, body["tenants"])

	resp, _ = s.reserve(t, "reserve", "p1", "c1", shop)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/admin/tenants?shop="+shop, "", adminHeader())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodDelete, "/admin/tenants?shop="+shop, "", adminHeader())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.reserve(t, "reserve", "p2", "c1", shop)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminPutTenantRejectsInvalid(t *testing.T) {
	s := newStack(t)

	resp, _ := s.do(t, http.MethodPut, "/admin/tenants", `{"shop":"s2","driver":"graphql"}`, adminHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodPut, "/admin/tenants", `{"shop":"s2","driver":"memory","timeout":"soon"}`, adminHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid timeout", body["error"])
}

func TestHealth(t *testing.T) {
	s := newStack(t)
	resp, err := s.server.Client().Get(s.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newStack(t)
	resp, _ := s.do(t, http.MethodGet, "/api/reserve", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type failingCommands struct{ err error }

func (f failingCommands) Execute(context.Context, appReservation.Command) (*appReservation.Result, error) {
	return nil, f.err
}

func TestUnexpectedCommandErrorIsInternal(t *testing.T) {
	h := NewHandler(Deps{Commands: failingCommands{err: errors.New("store offline")}}, nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Post(srv.URL+"/api/reserve", "application/json",
		strings.NewReader(`{"action":"reserve","productId":"p1","cartId":"c1","shop":"s1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
