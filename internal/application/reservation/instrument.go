package reservation

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/cart-reservation/internal/observability"
	"github.com/Zhima-Mochi/cart-reservation/internal/observability/logctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// call carries the per-invocation bookkeeping for one use case: span, start time,
// outcome labels and the fields of the closing use_case_done log line.
type call struct {
	useCase string
	span    trace.Span
	start   time.Time
	log     observability.Logger
	outcome string
	status  string
	fields  []observability.Field
}

func (c *call) fail(status string) {
	c.outcome, c.status = "error", status
}

func (c *call) with(fields ...observability.Field) {
	c.fields = append(c.fields, fields...)
}

func (s *Service) begin(ctx context.Context, useCase, spanName string, fields ...observability.Field) (context.Context, *call) {
	attrs := make([]attribute.KeyValue, 0, len(fields)+1)
	attrs = append(attrs, attribute.String("use_case", useCase))
	for _, f := range fields {
		if v, ok := f.Value.(string); ok {
			attrs = append(attrs, attribute.String(f.Key, v))
		}
	}
	ctx, span := s.tracer.Start(ctx, spanPrefix+spanName, attrs...)

	logger := logctx.FromOr(ctx, s.log).With(observability.F("use_case", useCase))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		logger = logger.With(
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}

	return logctx.With(ctx, logger), &call{
		useCase: useCase,
		span:    span,
		start:   time.Now(),
		log:     logger,
		outcome: "success",
		status:  "OK",
		fields:  fields,
	}
}

func (s *Service) end(_ context.Context, c *call, err error) {
	if err != nil && c.outcome == "success" {
		c.fail("ERROR")
	}

	if c.span != nil {
		if err != nil {
			c.span.RecordError(err)
			c.span.SetStatus(codes.Error, c.status)
		} else {
			c.span.SetStatus(codes.Ok, c.status)
		}
		c.span.End()
	}

	latency := time.Since(c.start).Seconds()
	s.reqCounter.Add(1,
		observability.L("use_case", c.useCase),
		observability.L("outcome", c.outcome),
	)
	s.durHistogram.Observe(latency,
		observability.L("use_case", c.useCase),
	)

	fields := append([]observability.Field{
		observability.F("outcome", c.outcome),
		observability.F("status", c.status),
		observability.F("latency_seconds", latency),
	}, c.fields...)
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	c.log.Info("use_case_done", fields...)
}
