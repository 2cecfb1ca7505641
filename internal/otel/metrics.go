package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the agent's instruments. A nil *Metrics records nothing, so
// components can take it as an optional dependency.
type Metrics struct {
	CycleDuration   metric.Float64Histogram
	QueriesExecuted metric.Int64Counter
	EngineRebuilds  metric.Int64Counter
	NodeInvalid     metric.Int64Counter
	Enrollments     metric.Int64Counter
	GateContention  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("goprobe.cycle.duration",
		metric.WithDescription("Distributed query cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueriesExecuted, err = meter.Int64Counter("goprobe.queries.executed",
		metric.WithDescription("Distributed queries by outcome (ok, failed, skipped)"),
	)
	if err != nil {
		return nil, err
	}

	m.EngineRebuilds, err = meter.Int64Counter("goprobe.engine.rebuilds",
		metric.WithDescription("Query engine reconstructions after a fault"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeInvalid, err = meter.Int64Counter("goprobe.node_invalid",
		metric.WithDescription("Server responses rejecting the node key"),
	)
	if err != nil {
		return nil, err
	}

	m.Enrollments, err = meter.Int64Counter("goprobe.enrollments",
		metric.WithDescription("Enrollment attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	m.GateContention, err = meter.Int64Counter("goprobe.gate.contention",
		metric.WithDescription("Wake-ups dropped because a cycle was already running"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordCycle(ctx context.Context, seconds float64, outcome string) {
	if m == nil {
		return
	}
	m.CycleDuration.Record(ctx, seconds, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordQuery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.QueriesExecuted.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordEngineRebuild(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.EngineRebuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordNodeInvalid(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.NodeInvalid.Add(ctx, 1, metric.WithAttributes(AttrPath.String(path)))
}

func (m *Metrics) RecordEnrollment(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Enrollments.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordGateContention(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.GateContention.Add(ctx, 1, metric.WithAttributes(AttrWakeSource.String(source)))
}
