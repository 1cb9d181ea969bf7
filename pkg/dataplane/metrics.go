package dataplane

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	platformmetrics "github.com/example/securetunnel/internal/platform/metrics"
)

// proxyMetrics instruments the event loop's hot paths against the
// global OTLP meter provider. Instruments are always created (against
// whatever provider is currently registered, a no-op one if the
// process never called platformmetrics.New) so the proxy never needs
// to know whether an exporter is actually attached.
type proxyMetrics struct {
	frames        metric.Int64Counter
	bytes         metric.Int64Counter
	drops         metric.Int64Counter
	rekeyBlackout metric.Float64Histogram
}

func newProxyMetrics() *proxyMetrics {
	meter := platformmetrics.Meter("securetunnel.dataplane")
	frames, _ := meter.Int64Counter("securetunnel.dataplane.frames_total")
	bytes, _ := meter.Int64Counter("securetunnel.dataplane.bytes_total")
	drops, _ := meter.Int64Counter("securetunnel.dataplane.drops_total")
	rekeyBlackout, _ := meter.Float64Histogram("securetunnel.dataplane.rekey_blackout_ms")
	return &proxyMetrics{frames: frames, bytes: bytes, drops: drops, rekeyBlackout: rekeyBlackout}
}

func (m *proxyMetrics) recordFrame(ctx context.Context, direction string, nbytes int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.frames.Add(ctx, 1, attrs)
	m.bytes.Add(ctx, int64(nbytes), attrs)
}

func (m *proxyMetrics) recordDrop(ctx context.Context, reason string) {
	m.drops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *proxyMetrics) recordRekeyBlackout(ctx context.Context, ms int64) {
	m.rekeyBlackout.Record(ctx, float64(ms))
}
