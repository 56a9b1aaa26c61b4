// Package instrumentation wires OpenTelemetry metrics and tracing for the
// OAuth server. When disabled it hands out no-op providers, so callers
// never branch on whether observability is configured.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName identifies the service in telemetry (default "kiosk-oauth")
	ServiceName string

	// ServiceVersion is the version reported with telemetry
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false,
	// no-op providers are used and recording costs nothing.
	Enabled bool

	// MeterProvider and TracerProvider override the providers used when
	// Enabled. Nil falls back to no-op providers; the embedding
	// application passes its SDK providers here.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes. If nil, a default
	// resource carrying the service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides the OpenTelemetry components for the server.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "kiosk-oauth"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	if config.Enabled {
		if config.MeterProvider != nil {
			inst.meterProvider = config.MeterProvider
		}
		if config.TracerProvider != nil {
			inst.tracerProvider = config.TracerProvider
		}
	}

	metrics, err := newMetrics(inst.meterProvider.Meter("kiosk-oauth"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// Metrics returns the pre-built metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Tracer returns a tracer for the given component name.
func (i *Instrumentation) Tracer(name string) trace.Tracer {
	return i.tracerProvider.Tracer(name)
}

// Resource returns the telemetry resource.
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// OnShutdown registers fn to run during Shutdown. Not safe to call after
// the instance is in use.
func (i *Instrumentation) OnShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown flushes and stops registered telemetry components, once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var firstErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
