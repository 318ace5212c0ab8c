package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// Tracker owns the relay's metric instruments.
type Tracker struct {
	requests metric.Int64Counter
	tokens   metric.Int64Counter
	cost     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewTracker creates the relay instruments on the provided meter.
func NewTracker(meter metric.Meter) (*Tracker, error) {
	t := &Tracker{}

	var err error

	t.requests, err = meter.Int64Counter(
		"relay.requests",
		metric.WithDescription("Requests answered, by protocol, provider and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	t.tokens, err = meter.Int64Counter(
		"relay.tokens",
		metric.WithDescription("Tokens relayed, split by direction"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	t.cost, err = meter.Int64Counter(
		"relay.cost",
		metric.WithDescription("Billed request cost in units of 1e-4 USD"),
		metric.WithUnit("{usd_e4}"),
	)
	if err != nil {
		return nil, err
	}

	t.duration, err = meter.Float64Histogram(
		"relay.request.duration",
		metric.WithDescription("Wall time per request in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// RecordLog turns one finished request log into metric points. Safe on a
// nil tracker so wiring can leave the meter out entirely.
func (t *Tracker) RecordLog(ctx context.Context, lg *typ.RequestLog) {
	if t == nil || lg == nil {
		return
	}

	commonAttrs := []attribute.KeyValue{
		AttrClientProtocol.String(lg.ClientProtocol),
		AttrRequestedModel.String(lg.RequestedModel),
		AttrStreaming.Bool(lg.IsStream),
		AttrStatus.Int(lg.ResponseStatus),
	}
	if lg.ProviderName != "" {
		commonAttrs = append(commonAttrs, AttrProvider.String(lg.ProviderName))
	}
	if lg.TargetProtocol != "" {
		commonAttrs = append(commonAttrs, AttrTargetProtocol.String(lg.TargetProtocol))
	}
	if lg.TargetModel != "" {
		commonAttrs = append(commonAttrs, AttrTargetModel.String(lg.TargetModel))
	}

	t.requests.Add(ctx, 1, metric.WithAttributes(commonAttrs...))

	if lg.InputTokens > 0 {
		inputAttrs := append(commonAttrs, AttrTokenDirection.String("input"))
		t.tokens.Add(ctx, lg.InputTokens, metric.WithAttributes(inputAttrs...))
	}
	if lg.OutputTokens > 0 {
		outputAttrs := append(commonAttrs, AttrTokenDirection.String("output"))
		t.tokens.Add(ctx, lg.OutputTokens, metric.WithAttributes(outputAttrs...))
	}

	if lg.Cost.IsPositive() {
		t.cost.Add(ctx, lg.Cost.Shift(4).Round(0).IntPart(), metric.WithAttributes(commonAttrs...))
	}

	if lg.TotalTimeMs > 0 {
		t.duration.Record(ctx, float64(lg.TotalTimeMs), metric.WithAttributes(commonAttrs...))
	}
}

// LogSink is the request-log write surface the gateway uses. Implemented by
// db.LogStore.
type LogSink interface {
	Create(ctx context.Context, lg *typ.RequestLog) error
}

// MeteredLogs decorates a log sink so every stored request also lands on
// the relay meters. Metric points are recorded even when the store write
// fails; the error still propagates.
type MeteredLogs struct {
	next    LogSink
	tracker *Tracker
}

// NewMeteredLogs wraps next with the tracker.
func NewMeteredLogs(next LogSink, tracker *Tracker) *MeteredLogs {
	return &MeteredLogs{next: next, tracker: tracker}
}

// Create stores the log and records its metrics.
func (m *MeteredLogs) Create(ctx context.Context, lg *typ.RequestLog) error {
	err := m.next.Create(ctx, lg)
	m.tracker.RecordLog(ctx, lg)
	return err
}
