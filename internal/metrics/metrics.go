// Package metrics holds the Prometheus collectors shared by the asset cache
// and the HTTP layer. Collectors are registered on an injected registerer so
// tests can build isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Asset request results recorded by AssetRequests.
const (
	ResultDisk     = "disk"
	ResultOrigin   = "origin"
	ResultJoined   = "joined"
	ResultNegative = "negative"
	ResultFailed   = "failed"
)

// Metrics 聚合资源缓存的计数器与耗时直方图。
type Metrics struct {
	AssetRequests  *prometheus.CounterVec
	OriginFetches  *prometheus.CounterVec
	FetchDuration  prometheus.Histogram
	PendingFetches prometheus.Gauge
	StatsPolls     *prometheus.CounterVec
}

// New 在 reg 上注册全部指标；reg 为 nil 时创建独立的 Registry。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		AssetRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nebula_asset_requests_total",
			Help: "Asset cache lookups partitioned by how the request was satisfied",
		}, []string{"result"}),
		OriginFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nebula_origin_fetches_total",
			Help: "Fetches issued to the image origin partitioned by outcome kind",
		}, []string{"outcome"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nebula_origin_fetch_duration_seconds",
			Help:    "Time spent fetching and persisting one asset from the origin",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
		}),
		PendingFetches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nebula_pending_fetches",
			Help: "Origin fetches currently in flight",
		}),
		StatsPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nebula_stats_polls_total",
			Help: "Statistics snapshot polls partitioned by snapshot and outcome",
		}, []string{"snapshot", "outcome"}),
	}
}
