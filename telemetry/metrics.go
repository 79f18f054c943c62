// Package telemetry instruments the key cache and key service with
// OpenTelemetry metrics, optionally exposed to Prometheus.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const meterName = "github.com/Sebastian464/couchdb"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name reported in the OpenTelemetry resource.
	ServiceName string

	// OTLPEndpoint is an OTLP gRPC collector endpoint. If empty, OTLP
	// export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics HTTP handler
	// returned by Metrics.PrometheusHandler.
	EnablePrometheus bool

	// FlushInterval is how often the OTLP reader exports (default 10s).
	FlushInterval time.Duration
}

// Metrics holds the instruments the cache and key service report to.
type Metrics struct {
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter
	sweepRuns      metric.Int64Counter
	sweepDeletions metric.Int64Counter
	bumps          metric.Int64Counter
	cacheEntries   metric.Int64Gauge
	keyManagerCall metric.Int64Counter
	encryptTotal   metric.Int64Counter
	decryptTotal   metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	global   *Metrics
	initOnce sync.Once
	initErr  error
)

// Init initializes the metrics system exactly once and returns it along
// with a shutdown function. Callers that don't care about metrics may pass
// a zero Config; a no-op reader is still installed so instrument creation
// never fails.
func Init(ctx context.Context, cfg Config) (m *Metrics, shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		global, initErr = build(ctx, cfg)
	})
	if initErr != nil {
		return nil, nil, initErr
	}
	return global, global.shutdown, nil
}

func build(ctx context.Context, cfg Config) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "couchdb-keysvc"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.FlushInterval)))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating prometheus exporter: %w", err)
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{}, sdkmetric.WithInterval(cfg.FlushInterval)))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	m := &Metrics{meterProvider: mp, promHandler: promHandler}

	if m.cacheHits, err = meter.Int64Counter("aegis_cache_hits_total",
		metric.WithDescription("Fresh DbKey lookups served from cache")); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter("aegis_cache_misses_total",
		metric.WithDescription("DbKey lookups that fell through to the key manager")); err != nil {
		return nil, err
	}
	if m.cacheEvictions, err = meter.Int64Counter("aegis_cache_evictions_total",
		metric.WithDescription("Entries removed by LRU eviction")); err != nil {
		return nil, err
	}
	if m.sweepRuns, err = meter.Int64Counter("aegis_cache_sweep_runs_total",
		metric.WithDescription("TTL sweep passes performed")); err != nil {
		return nil, err
	}
	if m.sweepDeletions, err = meter.Int64Counter("aegis_cache_sweep_deletions_total",
		metric.WithDescription("Entries removed by TTL sweep")); err != nil {
		return nil, err
	}
	if m.bumps, err = meter.Int64Counter("aegis_cache_bumps_total",
		metric.WithDescription("Recency bumps applied")); err != nil {
		return nil, err
	}
	if m.cacheEntries, err = meter.Int64Gauge("aegis_cache_entries",
		metric.WithDescription("Current number of cached DbKey entries")); err != nil {
		return nil, err
	}
	if m.keyManagerCall, err = meter.Int64Counter("aegis_keymanager_calls_total",
		metric.WithDescription("Key manager InitDB/OpenDB calls by outcome")); err != nil {
		return nil, err
	}
	if m.encryptTotal, err = meter.Int64Counter("aegis_encrypt_total",
		metric.WithDescription("Encrypt calls")); err != nil {
		return nil, err
	}
	if m.decryptTotal, err = meter.Int64Counter("aegis_decrypt_total",
		metric.WithDescription("Decrypt calls by outcome")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) shutdown(ctx context.Context) error {
	if m.meterProvider == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}

// PrometheusHandler returns the /metrics HTTP handler, or nil if
// Prometheus export was not enabled.
func (m *Metrics) PrometheusHandler() http.Handler {
	if m == nil {
		return nil
	}
	return m.promHandler
}

// RecordCacheHit increments the fresh-cache-hit counter. It is safe to
// call on a nil *Metrics (a no-op), so instrumentation call sites never
// need a nil check.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1)
}

// RecordCacheMiss increments the cache-miss counter.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1)
}

// RecordEviction increments the LRU eviction counter.
func (m *Metrics) RecordEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheEvictions.Add(ctx, 1)
}

// RecordSweep records one sweep pass that deleted n entries.
func (m *Metrics) RecordSweep(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.sweepRuns.Add(ctx, 1)
	if n > 0 {
		m.sweepDeletions.Add(ctx, int64(n))
	}
}

// RecordBump increments the recency-bump counter.
func (m *Metrics) RecordBump(ctx context.Context) {
	if m == nil {
		return
	}
	m.bumps.Add(ctx, 1)
}

// SetEntries reports the current cache size.
func (m *Metrics) SetEntries(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.cacheEntries.Record(ctx, n)
}

// RecordKeyManagerCall records an InitDB/OpenDB call outcome.
func (m *Metrics) RecordKeyManagerCall(ctx context.Context, op string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.keyManagerCall.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordEncrypt increments the encrypt counter.
func (m *Metrics) RecordEncrypt(ctx context.Context) {
	if m == nil {
		return
	}
	m.encryptTotal.Add(ctx, 1)
}

// RecordDecrypt increments the decrypt counter with an outcome label
// ("ok", "not_ciphertext", "decryption_failed", "key_manager_unavailable").
func (m *Metrics) RecordDecrypt(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.decryptTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// noopExporter discards metrics; it exists so Init can always install at
// least one reader even when no exporter is configured.
type noopExporter struct{}

func (noopExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(context.Context, *metricdata.ResourceMetrics) error { return nil }

func (noopExporter) ForceFlush(context.Context) error { return nil }

func (noopExporter) Shutdown(context.Context) error { return nil }
