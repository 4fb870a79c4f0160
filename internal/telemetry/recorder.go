package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const engineScopeName = "forecastline/engine"

// Recorder opens a span and records forecastline.* metrics per engine
// operation. Instruments come from the global providers at creation time.
type Recorder struct {
	tracer     trace.Tracer
	ops        metric.Int64Counter
	dur        metric.Float64Histogram
	errs       metric.Int64Counter
	rejections metric.Int64Counter
}

func NewRecorder() *Recorder {
	m := Meter(engineScopeName)
	ops, _ := m.Int64Counter("forecastline.operations",
		metric.WithDescription("Engine operations executed"),
	)
	dur, _ := m.Float64Histogram("forecastline.operation.duration",
		metric.WithDescription("Engine operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("forecastline.errors",
		metric.WithDescription("Engine operations that returned an error"),
	)
	rejections, _ := m.Int64Counter("forecastline.dependency.rejections",
		metric.WithDescription("Dependency inserts refused as duplicate or cyclic"),
	)
	return &Recorder{
		tracer:     Tracer(engineScopeName),
		ops:        ops,
		dur:        dur,
		errs:       errs,
		rejections: rejections,
	}
}

// Start begins the named operation. The returned func ends it with the
// operation's error, which may be nil.
func (r *Recorder) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if r == nil {
		return ctx, func(error) {}
	}
	all := append([]attribute.KeyValue{attribute.String("forecastline.operation", name)}, attrs...)
	ctx, span := r.tracer.Start(ctx, "engine."+name, trace.WithAttributes(all...))
	r.ops.Add(ctx, 1, metric.WithAttributes(all...))
	start := time.Now()
	return ctx, func(err error) {
		r.dur.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(all...))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.errs.Add(ctx, 1, metric.WithAttributes(all...))
		}
		span.End()
	}
}

// Rejection counts a refused dependency insert by reason.
func (r *Recorder) Rejection(ctx context.Context, reason string) {
	if r == nil {
		return
	}
	r.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
