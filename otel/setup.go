package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/nodeflow/runtime"
)

// Config controls telemetry setup.
type Config struct {
	ServiceName string

	// Endpoint is the OTLP/HTTP collector URL, e.g.
	// "http://localhost:4318". Empty disables span export; spans are still
	// created so events carry trace IDs.
	Endpoint string

	// MetricReaders are attached to the meter provider.
	MetricReaders []sdkmetric.Reader
}

// Telemetry holds the providers and run-event handlers built by Setup.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracing        *TracingHandler
	Metrics        *MetricsHandler
}

// Setup builds tracer and meter providers and the handlers that feed them.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nodeflow"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range cfg.MetricReaders {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	metrics, err := NewMetricsHandler(mp.Meter("github.com/petal-labs/nodeflow"))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("metric instruments: %w", err)
	}

	return &Telemetry{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracing:        NewTracingHandler(tp.Tracer("github.com/petal-labs/nodeflow")),
		Metrics:        metrics,
	}, nil
}

// Handler returns an event handler that feeds both tracing and metrics.
func (t *Telemetry) Handler() runtime.EventHandler {
	return runtime.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// Decorator returns the emitter decorator that stamps trace IDs on events.
func (t *Telemetry) Decorator() runtime.EventEmitterDecorator {
	return Decorator(t.Tracing)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.TracerProvider.Shutdown(ctx), t.MeterProvider.Shutdown(ctx))
}
