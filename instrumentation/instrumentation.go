package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty.
	DefaultServiceName = "oauth-sso"

	// DefaultServiceVersion is used when Config.ServiceVersion is empty.
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/oauth-sso/"
)

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName names the emitting service (default: "oauth-sso")
	ServiceName string

	// ServiceVersion is recorded on the resource (default: "unknown")
	ServiceVersion string

	// Enabled switches from the no-op tracer provider to the SDK one.
	// Metric instruments stay no-op unless MeterProvider is set.
	Enabled bool

	// SpanProcessors are attached to the SDK tracer provider when Enabled.
	SpanProcessors []sdktrace.SpanProcessor

	// MeterProvider overrides the no-op meter provider.
	MeterProvider metric.MeterProvider

	// Resource overrides the default service resource.
	Resource *resource.Resource
}

// Instrumentation owns the tracer and meter providers and the pre-built
// metric instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation. A disabled config yields no-op providers.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{config: config, resource: res}

	if config.Enabled {
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		for _, sp := range config.SpanProcessors {
			opts = append(opts, sdktrace.WithSpanProcessor(sp))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		inst.tracerProvider = tp
		inst.shutdownFuncs = append(inst.shutdownFuncs, tp.Shutdown)
	} else {
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	if config.MeterProvider != nil {
		inst.meterProvider = config.MeterProvider
	} else {
		inst.meterProvider = noop.NewMeterProvider()
	}

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// Shutdown flushes and stops the providers. Later calls are no-ops.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Tracer returns a tracer for scope ("http", "server", "storage", "relyingparty").
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Meter returns a meter for scope.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Metrics returns the metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the service resource.
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// SizeCallback reports the current size of a store.
type SizeCallback func() int64

// RegisterStorageSizeCallbacks wires store sizes into observable gauges. Nil
// callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(codes, refreshTokens, clients SizeCallback) error {
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			if codes != nil {
				o.ObserveInt64(i.metrics.StorageSizeCodes, codes())
			}
			if refreshTokens != nil {
				o.ObserveInt64(i.metrics.StorageSizeRefreshTokens, refreshTokens())
			}
			if clients != nil {
				o.ObserveInt64(i.metrics.StorageSizeClients, clients())
			}
			return nil
		},
		i.metrics.StorageSizeCodes,
		i.metrics.StorageSizeRefreshTokens,
		i.metrics.StorageSizeClients,
	)
	return err
}

// RegisterPendingSizeCallback wires the relying party's pending-authorization
// cache size into a gauge.
func (i *Instrumentation) RegisterPendingSizeCallback(size SizeCallback) error {
	if size == nil {
		return nil
	}
	_, err := i.Meter("relyingparty").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(i.metrics.RPPendingSize, size())
			return nil
		},
		i.metrics.RPPendingSize,
	)
	return err
}
