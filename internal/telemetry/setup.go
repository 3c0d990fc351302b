// Package telemetry configures OpenTelemetry metrics and exposes the
// counters tillguard components record.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Config selects the metric exporter.
type Config struct {
	// Endpoint is the OTLP gRPC collector. Empty disables export.
	Endpoint    string        `mapstructure:"otlp_endpoint"`
	ServiceName string        `mapstructure:"service_name"`
	Insecure    bool          `mapstructure:"insecure"`
	Interval    time.Duration `mapstructure:"interval"`
}

// Provider wraps the MeterProvider and its shutdown.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Shutdown      func(context.Context) error
}

// Setup builds a MeterProvider. With no endpoint the provider has no reader,
// so instruments are live but nothing leaves the process.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		mp := sdkmetric.NewMeterProvider()
		return &Provider{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", cfg.Endpoint)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "tillguard"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(name)),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if cfg.Insecure || u.Scheme != "https" {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	return &Provider{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
}

// SetGlobal installs the provider as the global MeterProvider.
func (p *Provider) SetGlobal() {
	otel.SetMeterProvider(p.MeterProvider)
}
