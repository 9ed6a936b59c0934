package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheEvent names an entity cache event recorded by Metrics.
type CacheEvent string

const (
	CacheHit          CacheEvent = "hit"
	CacheMiss         CacheEvent = "miss"
	CacheFetch        CacheEvent = "fetch"
	CacheFetchError   CacheEvent = "fetch_error"
	CacheDiscardStale CacheEvent = "discard_stale"
)

// Send outcomes recorded by Metrics.RecordSend.
const (
	SendConfirmed = "confirmed"
	SendFailed    = "failed"
)

// Metrics records client-side operation metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordOperation records a backend operation with duration and error status.
	RecordOperation(ctx context.Context, meta OpMeta, duration time.Duration, err error)

	// RecordCacheEvent records a cache event for the named store.
	RecordCacheEvent(ctx context.Context, store string, event CacheEvent)

	// RecordSend records the final outcome of an optimistic send attempt.
	RecordSend(ctx context.Context, outcome string)
}

type metricsImpl struct {
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	cacheEvents  metric.Int64Counter
	sendOutcomes metric.Int64Counter
}

// NewMetrics creates a Metrics instance backed by meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	totalCount, err := meter.Int64Counter(
		"messenger.op.total",
		metric.WithDescription("Total number of backend operations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"messenger.op.errors",
		metric.WithDescription("Total number of failed backend operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"messenger.op.duration_ms",
		metric.WithDescription("Backend operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	cacheEvents, err := meter.Int64Counter(
		"messenger.cache.events",
		metric.WithDescription("Entity cache events by store and kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	sendOutcomes, err := meter.Int64Counter(
		"messenger.send.outcomes",
		metric.WithDescription("Optimistic send attempts by final outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		cacheEvents:  cacheEvents,
		sendOutcomes: sendOutcomes,
	}, nil
}

func (m *metricsImpl) RecordOperation(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(
		attribute.String("op.component", meta.Component),
		attribute.String("op.name", meta.Operation),
	)

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordCacheEvent(ctx context.Context, store string, event CacheEvent) {
	m.cacheEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.store", store),
		attribute.String("cache.event", string(event)),
	))
}

func (m *metricsImpl) RecordSend(ctx context.Context, outcome string) {
	m.sendOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("send.outcome", outcome)))
}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics {
	return nopMetrics{}
}

type nopMetrics struct{}

func (nopMetrics) RecordOperation(context.Context, OpMeta, time.Duration, error) {}
func (nopMetrics) RecordCacheEvent(context.Context, string, CacheEvent)          {}
func (nopMetrics) RecordSend(context.Context, string)                            {}
