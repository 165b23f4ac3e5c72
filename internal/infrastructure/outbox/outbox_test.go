package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/cart-reservation/internal/domain/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type testEvent struct {
	Name string
	Seq  int
}

func (e testEvent) EventName() string { return e.Name }

type collector struct {
	mu     sync.Mutex
	events []domoutbox.Event
	ctxs   []context.Context
}

func (c *collector) handle(ctx context.Context, e domoutbox.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	c.ctxs = append(c.ctxs, ctx)
	return nil
}

func (c *collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) Events() []domoutbox.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domoutbox.Event(nil), c.events...)
}

func newStartedBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(nil, Options{})
	bus.Start(context.Background())
	t.Cleanup(func() { bus.Stop(context.Background()) })
	return bus
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := newStartedBus(t)
	var got collector
	bus.Subscribe("a", got.handle)

	ctx := context.Background()
	for i := range 20 {
		require.NoError(t, bus.Publish(ctx, testEvent{Name: "a", Seq: i}))
	}

	require.Eventually(t, func() bool { return got.Len() == 20 }, time.Second, 5*time.Millisecond)
	for i, e := range got.Events() {
		assert.Equal(t, i, e.(testEvent).Seq)
	}
}

func TestBusFansOutToEverySubscriberOfName(t *testing.T) {
	bus := newStartedBus(t)
	var first, second, other collector
	bus.Subscribe("a", first.handle)
	bus.Subscribe("a", second.handle)
	bus.Subscribe("b", other.handle)

	require.NoError(t, bus.Publish(context.Background(), testEvent{Name: "a"}))

	require.Eventually(t, func() bool { return first.Len() == 1 && second.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, other.Len())
}

func TestBusCarriesPublisherTrace(t *testing.T) {
	bus := newStartedBus(t)
	var got collector
	bus.Subscribe("a", got.handle)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	require.NoError(t, bus.Publish(ctx, testEvent{Name: "a"}))

	require.Eventually(t, func() bool { return got.Len() == 1 }, time.Second, 5*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, sc.TraceID(), trace.SpanContextFromContext(got.ctxs[0]).TraceID())
}

func TestBusSurvivesHandlerPanic(t *testing.T) {
	bus := newStartedBus(t)
	var got collector
	bus.Subscribe("a", func(context.Context, domoutbox.Event) error { panic("boom") })
	bus.Subscribe("a", got.handle)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testEvent{Name: "a", Seq: 1}))
	require.NoError(t, bus.Publish(ctx, testEvent{Name: "a", Seq: 2}))

	require.Eventually(t, func() bool { return got.Len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBusStopDrainsQueue(t *testing.T) {
	bus := NewBus(nil, Options{})
	var got collector
	bus.Subscribe("a", got.handle)

	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, bus.Publish(ctx, testEvent{Name: "a", Seq: i}))
	}
	bus.Start(ctx)
	bus.Stop(ctx)

	assert.Equal(t, 5, got.Len())
}

func TestBusPublishAfterStop(t *testing.T) {
	bus := NewBus(nil, Options{})
	bus.Start(context.Background())
	bus.Stop(context.Background())
	bus.Stop(context.Background())

	err := bus.Publish(context.Background(), testEvent{Name: "a"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestBusPublishNilEvent(t *testing.T) {
	bus := newStartedBus(t)
	assert.NoError(t, bus.Publish(context.Background(), nil))
}

func TestBusPublishRespectsContextWhenFull(t *testing.T) {
	bus := NewBus(nil, Options{QueueSize: 1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		bus.Stop(ctx)
	})

	require.NoError(t, bus.Publish(context.Background(), testEvent{Name: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.Publish(ctx, testEvent{Name: "a"})
	require.ErrorIs(t, err, context.Canceled)
}
