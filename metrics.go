package offlinecache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/tasteknowledge/offline-cache"

type metrics struct {
	requests  metric.Int64Counter
	refreshes metric.Int64Counter
	seeded    metric.Int64Counter
	purged    metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	requests, err := meter.Int64Counter(
		"offline_cache.requests",
		metric.WithDescription("Intercepted requests by policy and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	refreshes, err := meter.Int64Counter(
		"offline_cache.refreshes",
		metric.WithDescription("Background refreshes of stored responses"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}
	seeded, err := meter.Int64Counter(
		"offline_cache.install.entries",
		metric.WithDescription("Entries written to the shell store at install"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	purged, err := meter.Int64Counter(
		"offline_cache.activate.purged",
		metric.WithDescription("Stale stores deleted at activation"),
		metric.WithUnit("{store}"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{
		requests:  requests,
		refreshes: refreshes,
		seeded:    seeded,
		purged:    purged,
	}, nil
}

func (m *metrics) recordRequest(ctx context.Context, cs cacheStatus) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", cs.Class.String()),
		attribute.String("outcome", cs.Outcome()),
		attribute.Bool("stored", cs.Stored),
	))
}

func (m *metrics) recordRefresh(ctx context.Context, store string, result string) {
	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("result", result),
	))
}
