// Package metrics exposes the otel/prometheus counters this module
// emits for the client-side events it produces: resolutions, downloads,
// cache hits/misses, integrity failures, extracted bytes.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles the counters this module emits during install/resolve.
type Metrics struct {
	ResolutionsTotal       metric.Int64Counter
	TarballDownloadsTotal  metric.Int64Counter
	DownloadedBytesTotal   metric.Int64Counter
	CacheHitsTotal         metric.Int64Counter
	CacheMissesTotal       metric.Int64Counter
	IntegrityFailuresTotal metric.Int64Counter
	ExtractedBytesTotal    metric.Int64Counter
}

// New creates a Prometheus-backed Metrics, registering it as the global
// otel MeterProvider.
func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/webpm/webpm")

	if m.ResolutionsTotal, err = meter.Int64Counter("resolutions_total", metric.WithDescription("Total number of dependency specifiers resolved")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create resolutions_total counter: %w", err)
	}
	if m.TarballDownloadsTotal, err = meter.Int64Counter("tarball_downloads_total", metric.WithDescription("Total number of tarball downloads issued")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create tarball_downloads_total counter: %w", err)
	}
	if m.DownloadedBytesTotal, err = meter.Int64Counter("downloaded_bytes_total", metric.WithDescription("Total compressed bytes downloaded")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create downloaded_bytes_total counter: %w", err)
	}
	if m.CacheHitsTotal, err = meter.Int64Counter("cache_hits_total", metric.WithDescription("Total metadata cache hits")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create cache_hits_total counter: %w", err)
	}
	if m.CacheMissesTotal, err = meter.Int64Counter("cache_misses_total", metric.WithDescription("Total metadata cache misses")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create cache_misses_total counter: %w", err)
	}
	if m.IntegrityFailuresTotal, err = meter.Int64Counter("integrity_failures_total", metric.WithDescription("Total tarball integrity verification failures")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create integrity_failures_total counter: %w", err)
	}
	if m.ExtractedBytesTotal, err = meter.Int64Counter("extracted_bytes_total", metric.WithDescription("Total uncompressed bytes written to the content store")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create extracted_bytes_total counter: %w", err)
	}

	return m, nil
}

// ListenAndServe serves a Prometheus /metrics scrape endpoint on addr,
// useful for CLI/server hosts (not the in-browser target).
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m Metrics) IncrementResolution(ctx context.Context, kind string) {
	if m.ResolutionsTotal == nil {
		return
	}
	m.ResolutionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m Metrics) IncrementDownload(ctx context.Context, registry string, bytes int64) {
	if m.TarballDownloadsTotal == nil || m.DownloadedBytesTotal == nil {
		return
	}
	m.TarballDownloadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("registry", registry)))
	m.DownloadedBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("registry", registry)))
}

func (m Metrics) IncrementCacheHit(ctx context.Context, hit bool) {
	if hit {
		if m.CacheHitsTotal != nil {
			m.CacheHitsTotal.Add(ctx, 1)
		}
		return
	}
	if m.CacheMissesTotal != nil {
		m.CacheMissesTotal.Add(ctx, 1)
	}
}

func (m Metrics) IncrementIntegrityFailure(ctx context.Context) {
	if m.IntegrityFailuresTotal == nil {
		return
	}
	m.IntegrityFailuresTotal.Add(ctx, 1)
}

func (m Metrics) AddExtractedBytes(ctx context.Context, n int64) {
	if m.ExtractedBytesTotal == nil {
		return
	}
	m.ExtractedBytesTotal.Add(ctx, n)
}
