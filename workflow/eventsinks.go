// ABOUTME: Optional EngineEvent sinks for tracing and metrics, wired the same way as any
// ABOUTME: EngineConfig.EventHandler: both expose a Handle method with that exact signature.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEventSink turns EngineEvents into OpenTelemetry spans. Each event is a
// point in time rather than a duration, so its span is started and ended
// immediately; callers that want span nesting should instead instrument
// their own NodeHandler.Execute calls.
type OTelEventSink struct {
	tracer trace.Tracer
	runID  string
}

// NewOTelEventSink creates a sink that emits one span per event on the given tracer.
func NewOTelEventSink(tracer trace.Tracer, runID string) *OTelEventSink {
	return &OTelEventSink{tracer: tracer, runID: runID}
}

// Handle matches the EngineConfig.EventHandler signature: pass
// sink.Handle directly to EngineConfig.EventHandler or Engine.SetEventHandler.
func (s *OTelEventSink) Handle(evt EngineEvent) {
	ctx := context.Background()
	_, span := s.tracer.Start(ctx, string(evt.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("graphrunner.run_id", s.runID),
		attribute.String("graphrunner.node_id", evt.NodeID),
	)

	for key, value := range evt.Data {
		attrKey := "graphrunner." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}

	if errVal, ok := evt.Data["error"].(string); ok {
		span.SetStatus(codes.Error, errVal)
		span.RecordError(fmt.Errorf("%s", errVal))
	}
}

// MetricsEventSink counts node lifecycle events per type and node, exposed
// through a Prometheus registry for scraping. Every event is labelled with the
// runID given to NewMetricsEventSink, so construct one per Engine run.
type MetricsEventSink struct {
	nodeEvents     *prometheus.CounterVec
	parallelEvents *prometheus.CounterVec
	runID          string
}

// NewMetricsEventSink registers counters with registry and returns a sink
// ready to pass to EngineConfig.EventHandler. Pass prometheus.DefaultRegisterer
// for the global registry, or a fresh prometheus.NewRegistry() for isolation.
func NewMetricsEventSink(registry prometheus.Registerer, runID string) *MetricsEventSink {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &MetricsEventSink{
		runID: runID,
		nodeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphrunner",
			Name:      "node_events_total",
			Help:      "Count of node lifecycle events (NodeStarted/NodeCompleted/NodeFailed/NodeRetrying/NodeStalled) by node and event type",
		}, []string{"run_id", "node_id", "event_type"}),
		parallelEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphrunner",
			Name:      "parallel_events_total",
			Help:      "Count of parallel fan-out dispatch/completion events by parallel node and event type",
		}, []string{"run_id", "node_id", "event_type"}),
	}
}

// Handle matches the EngineConfig.EventHandler signature.
func (s *MetricsEventSink) Handle(evt EngineEvent) {
	switch evt.Type {
	case EventNodeStarted, EventNodeCompleted, EventNodeFailed, EventNodeRetrying, EventNodeStalled:
		s.nodeEvents.WithLabelValues(s.runID, evt.NodeID, string(evt.Type)).Inc()
	case EventParallelStarted, EventParallelCompleted:
		s.parallelEvents.WithLabelValues(s.runID, evt.NodeID, string(evt.Type)).Inc()
	}
}
