package store

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"planner-sync/domain"
)

const tracerName = "planner-sync/store"

// Metrics records every store operation as a log entry, a span and
// prometheus samples. A nil *Metrics is valid and records nothing.
type Metrics struct {
	logger   *log.Logger
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the store collectors on reg. With a nil reg only
// logs and spans are produced.
func NewMetrics(logger *log.Logger, reg prometheus.Registerer) *Metrics {
	m := &Metrics{logger: logger}
	if reg == nil {
		return m
	}
	factory := promauto.With(reg)
	m.ops = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planner",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by name and outcome",
		},
		[]string{"op", "outcome"},
	)
	m.duration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "planner",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of store operations including the service round-trip",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	return m
}

type opMetrics struct {
	m      *Metrics
	span   trace.Span
	op     string
	start  time.Time
	fields log.Fields
}

func (m *Metrics) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, *opMetrics) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	fields := log.Fields{"op": op}
	for _, kv := range attrs {
		fields[string(kv.Key)] = kv.Value.AsInterface()
	}
	return ctx, &opMetrics{m: m, span: span, op: op, start: time.Now(), fields: fields}
}

// Set adds a field to the log entry and the span.
func (o *opMetrics) Set(key string, value any) {
	o.fields[key] = value
	switch v := value.(type) {
	case int:
		o.span.SetAttributes(attribute.Int(key, v))
	case string:
		o.span.SetAttributes(attribute.String(key, v))
	case bool:
		o.span.SetAttributes(attribute.Bool(key, v))
	}
}

// Done closes the span and emits the log entry and samples.
func (o *opMetrics) Done(err error) {
	elapsed := time.Since(o.start)
	outcome := outcomeOf(err)

	o.span.SetAttributes(attribute.String("planner.outcome", outcome))
	if err != nil && outcome != "detached" {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	} else {
		o.span.SetStatus(codes.Ok, "")
	}
	o.span.End()

	if o.m == nil {
		return
	}
	if o.m.ops != nil {
		o.m.ops.WithLabelValues(o.op, outcome).Inc()
		o.m.duration.WithLabelValues(o.op).Observe(elapsed.Seconds())
	}
	if o.m.logger == nil {
		return
	}

	o.fields["outcome"] = outcome
	o.fields["total_ms"] = durationToMillis(elapsed)
	entry := o.m.logger.WithFields(o.fields)
	switch outcome {
	case "ok", "detached":
		entry.Debug("store.op.metrics")
	case "validation", "policy", "not_found":
		entry.WithError(err).Info("store.op.metrics")
	default:
		entry.WithError(err).Warn("store.op.metrics")
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrDetached) {
		return "detached"
	}
	return domain.Kind(err)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
