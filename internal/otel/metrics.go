package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/fleetdeck/internal/monitor"
)

// Metrics holds all FleetDeck metric instruments and implements
// monitor.MetricsRecorder.
type Metrics struct {
	UpdatesApplied    metric.Int64Counter
	UpdatesDropped    metric.Int64Counter
	UpdatesBuffered   metric.Int64Counter
	ReconcileSeconds  metric.Float64Histogram
	LiveEntities      metric.Int64Gauge
	ViewChangesTotal  metric.Int64Counter
	IngestDuration    metric.Float64Histogram
	GatewayReqSeconds metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.UpdatesApplied, err = meter.Int64Counter("fleetdeck.updates.applied",
		metric.WithDescription("Update events accepted into the entity graph"),
	)
	if err != nil {
		return nil, err
	}

	m.UpdatesDropped, err = meter.Int64Counter("fleetdeck.updates.dropped",
		metric.WithDescription("Update events or field groups rejected"),
	)
	if err != nil {
		return nil, err
	}

	m.UpdatesBuffered, err = meter.Int64Counter("fleetdeck.updates.buffered",
		metric.WithDescription("Update events parked awaiting a parent entity"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileSeconds, err = meter.Float64Histogram("fleetdeck.reconcile.duration",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveEntities, err = meter.Int64Gauge("fleetdeck.entities.live",
		metric.WithDescription("Entities currently held in memory"),
	)
	if err != nil {
		return nil, err
	}

	m.ViewChangesTotal, err = meter.Int64Counter("fleetdeck.view.changes",
		metric.WithDescription("Operator view model rebuilds"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestDuration, err = meter.Float64Histogram("fleetdeck.ingest.duration",
		metric.WithDescription("End-to-end ingest handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayReqSeconds, err = meter.Float64Histogram("fleetdeck.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

var _ monitor.MetricsRecorder = (*Metrics)(nil)

func (m *Metrics) UpdateApplied(kind monitor.Kind) {
	m.UpdatesApplied.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *Metrics) UpdateDropped(kind monitor.Kind, reason string) {
	m.UpdatesDropped.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("reason", reason),
		))
}

func (m *Metrics) UpdateBuffered(kind monitor.Kind) {
	m.UpdatesBuffered.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *Metrics) ReconcileDuration(seconds float64) {
	m.ReconcileSeconds.Record(context.Background(), seconds)
}

func (m *Metrics) EntityCount(n int) {
	m.LiveEntities.Record(context.Background(), int64(n))
}

func (m *Metrics) ViewChanged() {
	m.ViewChangesTotal.Add(context.Background(), 1)
}

// RecordIngest records one end-to-end ingest round trip (validation plus
// console apply), from either transport.
func (m *Metrics) RecordIngest(seconds float64) {
	m.IngestDuration.Record(context.Background(), seconds)
}

// RecordRequest records one gateway request, keyed by route (HTTP path or
// "rpc.<method>").
func (m *Metrics) RecordRequest(route string, seconds float64) {
	m.GatewayReqSeconds.Record(context.Background(), seconds,
		metric.WithAttributes(attribute.String("route", route)))
}
