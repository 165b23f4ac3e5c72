package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zhima-Mochi/cart-reservation/internal/observability"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability/logctx"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	componentReclaimer = "reclaimer"

	DefaultReclaimInterval    = time.Minute
	DefaultReclaimConcurrency = 4
)

// Sweeper releases expired holds of one tenant. *Service implements it.
type Sweeper interface {
	ExpireAndReclaim(ctx context.Context, shopDomain string, conn Mirror, now time.Time) (int, error)
}

type ReclaimerOptions struct {
	Interval    time.Duration
	Concurrency int
	Clock       clockwork.Clock
}

// Reclaimer periodically sweeps expired reservations of every connected tenant.
// Sweeps never overlap: a tick that fires while another sweep is running waits for it.
type Reclaimer struct {
	sweeper     Sweeper
	tenants     TenantConnections
	clock       clockwork.Clock
	interval    time.Duration
	concurrency int

	log       observability.Logger
	reclaimed observability.Counter

	sweepMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReclaimer(sweeper Sweeper, tenants TenantConnections, tel observability.Observability, opts ReclaimerOptions) *Reclaimer {
	if tel == nil {
		tel = observability.Nop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultReclaimInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultReclaimConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Reclaimer{
		sweeper:     sweeper,
		tenants:     tenants,
		clock:       opts.Clock,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		log:         tel.Logger().With(observability.F("component", componentReclaimer)),
		reclaimed:   tel.Metrics().Counter(observability.MReservationsReclaimed),
	}
}

// Start launches the periodic loop. It is a no-op when the loop is already running.
func (r *Reclaimer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	ticker := r.clock.NewTicker(r.interval)
	go r.loop(loopCtx, ticker, r.done)

	logctx.FromOr(ctx, r.log).Info("reclaimer_started",
		observability.F("interval", r.interval.String()),
	)
}

// Stop cancels the loop and waits for an in-flight sweep to finish, or for ctx to end.
// It is a no-op when the loop is not running.
func (r *Reclaimer) Stop(ctx context.Context) {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
		logctx.FromOr(ctx, r.log).Info("reclaimer_stopped")
	case <-ctx.Done():
		logctx.FromOr(ctx, r.log).Warn("reclaimer_stop_timeout",
			observability.F("error", ctx.Err()),
		)
	}
}

func (r *Reclaimer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Reclaimer) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("reclaim_failed", observability.F("error", err))
			}
		}
	}
}

// RunOnce sweeps every connected tenant once, using a single "now" for all of them, and
// returns the total number of reservations released. A failing tenant does not stop the
// others; their errors are joined.
func (r *Reclaimer) RunOnce(ctx context.Context) (int, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	ctx, logger := logctx.Enrich(ctx, r.log,
		observability.F("sweep_id", uuid.NewString()),
	)

	now := r.clock.Now()
	tenants := r.tenants.Snapshot()

	var (
		total int64
		errMu sync.Mutex
		errs  []error
		g     errgroup.Group
	)
	g.SetLimit(r.concurrency)

	for shop, conn := range tenants {
		g.Go(func() error {
			n, err := r.sweeper.ExpireAndReclaim(ctx, shop, conn, now)
			if n > 0 {
				atomic.AddInt64(&total, int64(n))
				r.reclaimed.Add(float64(n), observability.L("shop", shop))
			}
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("shop %s: %w", shop, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	count := int(atomic.LoadInt64(&total))
	if count > 0 {
		logger.Info("reclaim_done",
			observability.F("reclaimed", count),
			observability.F("tenants", len(tenants)),
		)
	}
	return count, errors.Join(errs...)
}
