// Package otel exports the relay's request, token, cost and duration
// metrics through an OTLP gRPC endpoint, to stdout, or not at all,
// depending on config.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tingly-dev/tingly-relay/internal/config"
)

// Setup holds the meter provider and the relay tracker.
type Setup struct {
	meterProvider *sdkmetric.MeterProvider
	tracker       *Tracker
}

// NewSetup builds the meter pipeline. It returns nil when metrics are
// disabled or no exporter is configured; a nil *Setup is safe to use.
func NewSetup(ctx context.Context, cfg config.Metrics) (*Setup, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var options []sdkmetric.Option

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		options = append(options, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval())),
		))
	}

	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		options = append(options, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval())),
		))
	}

	if len(options) == 0 {
		return nil, nil
	}

	meterProvider := sdkmetric.NewMeterProvider(options...)
	otel.SetMeterProvider(meterProvider)
	meter := meterProvider.Meter("tingly-relay")

	tracker, err := NewTracker(meter)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create relay tracker: %w", err)
	}

	return &Setup{
		meterProvider: meterProvider,
		tracker:       tracker,
	}, nil
}

// Tracker returns the relay tracker. Nil when metrics are off.
func (s *Setup) Tracker() *Tracker {
	if s == nil {
		return nil
	}
	return s.tracker
}

// Shutdown flushes and stops the meter provider.
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil || s.meterProvider == nil {
		return nil
	}
	return s.meterProvider.Shutdown(ctx)
}
