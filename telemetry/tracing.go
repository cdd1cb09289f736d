// Package telemetry sets up OpenTelemetry export and turns run events into
// metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects where telemetry goes.
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	// Endpoint is an OTLP/HTTP traces URL such as
	// "http://localhost:4318/v1/traces". Empty disables trace export.
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Provider bundles the tracer and meter providers built by Setup.
type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	shutdown []func(context.Context) error
}

// Setup builds the providers described by cfg and registers them as the
// global providers. Without an endpoint tracing is a no-op, while metrics
// are still collected in process.
func Setup(ctx context.Context, cfg Config, readers ...sdkmetric.Reader) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "omniflow"
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	p := &Provider{}

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	p.MeterProvider = sdkmetric.NewMeterProvider(mopts...)
	p.shutdown = append(p.shutdown, p.MeterProvider.Shutdown)
	otel.SetMeterProvider(p.MeterProvider)

	if cfg.Endpoint == "" {
		p.TracerProvider = noop.NewTracerProvider()
		return p, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create trace exporter: %w", err), p.Shutdown(ctx))
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	p.TracerProvider = tp
	p.shutdown = append(p.shutdown, tp.Shutdown)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return p, nil
}

// Tracer returns a named tracer from the provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.TracerProvider.Tracer(name)
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, p.shutdown[i](ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}
