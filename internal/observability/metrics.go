// Package observability wires OpenTelemetry metrics and tracing for the
// broker. Metrics are exported through the Prometheus bridge and served on
// the main HTTP surface; tracing ships spans over OTLP when enabled.
package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Metrics owns the meter provider backing every instrument in the process.
type Metrics struct {
	provider *sdkmetric.MeterProvider
}

// SetupMetrics installs a Prometheus-backed meter provider as the global
// one. When disabled, instruments fall through to the no-op global default.
func SetupMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return &Metrics{provider: provider}, nil
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promclient.Handler()
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
