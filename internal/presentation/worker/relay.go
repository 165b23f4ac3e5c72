package workerpresentation

import (
	"context"
	"time"

	domoutbox "github.com/Zhima-Mochi/cart-reservation/internal/domain/outbox"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability/logctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	componentRelay = "event_relay"
	spanPrefix     = "Worker."
)

// Sink receives events the relay forwards, e.g. a kafka topic.
type Sink interface {
	Forward(ctx context.Context, e domoutbox.Event) error
}

// Relay subscribes to bus events and hands each one to a Sink.
type Relay struct {
	subscriber domoutbox.Subscriber
	sink       Sink
	peer       string

	tracer       observability.Tracer
	log          observability.Logger
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

// NewRelay builds a relay. peer labels the sink in metrics and logs.
func NewRelay(subscriber domoutbox.Subscriber, sink Sink, peer string, tel observability.Observability) *Relay {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Relay{
		subscriber:   subscriber,
		sink:         sink,
		peer:         peer,
		tracer:       tel.Tracer(),
		log:          tel.Logger().With(observability.F("component", componentRelay)),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

// Start subscribes the relay to every named event.
func (r *Relay) Start(eventNames ...string) {
	if r.subscriber == nil || r.sink == nil {
		return
	}
	for _, name := range eventNames {
		r.subscriber.Subscribe(name, r.handle)
	}
}

func (r *Relay) handle(ctx context.Context, e domoutbox.Event) (err error) {
	name := e.EventName()
	ctx, span := r.tracer.Start(ctx, spanPrefix+"Relay",
		attribute.String("event", name),
		attribute.String("peer", r.peer),
	)

	ctx, logger := WithEventContext(ctx, logctx.FromOr(ctx, r.log), span.SpanContext(), map[string]string{
		"event": name,
		"peer":  r.peer,
	})

	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "FORWARD_FAILED")
			logger.Warn("event_forward_failed", observability.F("error", err))
		} else {
			span.SetStatus(codes.Ok, "OK")
			logger.Debug("event_forwarded")
		}
		span.End()

		r.extCounter.Add(1,
			observability.L("peer", r.peer),
			observability.L("endpoint", name),
			observability.L("outcome", outcome),
		)
		r.extHistogram.Observe(time.Since(start).Seconds(),
			observability.L("peer", r.peer),
			observability.L("endpoint", name),
		)
	}()

	return r.sink.Forward(ctx, e)
}
