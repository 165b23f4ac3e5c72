package reservation

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/cart-reservation/internal/domain/outbox"
	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/id"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/memory"
	"github.com/jonboulle/clockwork"
)

var (
	t0          = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errCatalog  = errors.New("catalog down")
	errStoreOff = errors.New("store offline")
)

type syncCall struct {
	ProductID string
	State     domain.MirrorState
}

// recordingMirror keeps every Sync call in order and the last state per product.
type recordingMirror struct {
	mu    sync.Mutex
	calls []syncCall
	state map[string]domain.MirrorState
	fail  error
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{state: make(map[string]domain.MirrorState)}
}

func (m *recordingMirror) Sync(_ context.Context, productID string, state domain.MirrorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, syncCall{ProductID: productID, State: state})
	if m.fail != nil {
		return m.fail
	}
	m.state[productID] = state
	return nil
}

func (m *recordingMirror) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *recordingMirror) Calls() []syncCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]syncCall(nil), m.calls...)
}

func (m *recordingMirror) Read(productID string) domain.MirrorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[productID]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Events() []domoutbox.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domoutbox.Event(nil), p.events...)
}

func (p *recordingPublisher) Names() []string {
	var out []string
	for _, e := range p.Events() {
		out = append(out, e.EventName())
	}
	return out
}

// staticTenants is a fixed TenantConnections.
type staticTenants map[string]Mirror

func (s staticTenants) Connection(shop string) (Mirror, bool) {
	m, ok := s[shop]
	return m, ok
}

func (s staticTenants) Snapshot() map[string]Mirror { return maps.Clone(s) }

// failingRepo wraps a repository and fails ListExpiredActive or Create on demand.
type failingRepo struct {
	domain.Repository
	listErr   error
	createErr error
}

func (r *failingRepo) Create(ctx context.Context, rec *domain.Reservation) (*domain.Reservation, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	return r.Repository.Create(ctx, rec)
}

func (r *failingRepo) ListExpiredActive(ctx context.Context, now time.Time) ([]*domain.Reservation, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.Repository.ListExpiredActive(ctx, now)
}

type fixture struct {
	svc    *Service
	repo   *memory.ReservationRepository
	clock  *clockwork.FakeClock
	mirror *recordingMirror
	pub    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.NewReservationRepository(id.NewUUIDGenerator())
	clock := clockwork.NewFakeClockAt(t0)
	pub := &recordingPublisher{}
	svc := NewService(repo, pub, nil, Options{TTL: domain.DefaultTTL, Clock: clock})
	return &fixture{
		svc:    svc,
		repo:   repo,
		clock:  clock,
		mirror: newRecordingMirror(),
		pub:    pub,
	}
}
