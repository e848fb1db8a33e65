// Package metrics registers the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TileFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcel_tile_fetches_total",
		Help: "Upstream tile requests by outcome.",
	}, []string{"status"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcel_cache_lookups_total",
		Help: "Cache lookups by cache and layer.",
	}, []string{"cache", "result"})

	ReferenceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcel_reference_lookups_total",
		Help: "Reference boundary lookups by resolving strategy.",
	}, []string{"strategy"})

	InferenceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcel_inference_calls_total",
		Help: "Segmentation calls by outcome.",
	}, []string{"status"})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parcel_inference_duration_seconds",
		Help:    "Segmentation call latency.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parcel_pipeline_phase_duration_seconds",
		Help:    "Duration of detection and comparison phases.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	PolygonsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcel_polygons_dropped_total",
		Help: "Polygons dropped by stage and reason.",
	}, []string{"stage"})
)
