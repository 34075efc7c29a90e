// Package metrics exposes prometheus collectors for cache lookups and
// lifecycle transitions. Collectors live on a dedicated registry so tests and
// multiple managers never collide on the global default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch 结果来源标签。
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceError   = "error"
)

// Metrics 汇总服务的全部指标；nil *Metrics 的方法均为空操作。
type Metrics struct {
	Registry *prometheus.Registry

	fetchTotal        *prometheus.CounterVec
	lifecycleTotal    *prometheus.CounterVec
	lifecycleDuration *prometheus.HistogramVec
	assetsCached      prometheus.Counter
	cachesDeleted     prometheus.Counter
}

// New 创建独立 registry 并注册全部指标与 Go 运行时指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		fetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "uni_sync_cache_fetch_total",
			Help: "Intercepted fetches by the source that answered them",
		}, []string{"source"}),
		lifecycleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "uni_sync_cache_lifecycle_total",
			Help: "Lifecycle events by event type and result",
		}, []string{"event", "result"}),
		lifecycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uni_sync_cache_lifecycle_duration_seconds",
			Help:    "Time until a lifecycle event settled",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"event"}),
		assetsCached: factory.NewCounter(prometheus.CounterOpts{
			Name: "uni_sync_cache_assets_cached_total",
			Help: "Static assets written to the cache during install",
		}),
		cachesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "uni_sync_cache_caches_deleted_total",
			Help: "Stale cache generations deleted during activate",
		}),
	}
}

// ObserveFetch 记录一次 fetch 的应答来源。
func (m *Metrics) ObserveFetch(source string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(source).Inc()
}

// ObserveLifecycle 记录一次 install/activate 的结果与耗时。
func (m *Metrics) ObserveLifecycle(event string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.lifecycleTotal.WithLabelValues(event, result).Inc()
	m.lifecycleDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

// AddAssetsCached 累加安装阶段写入的条目数。
func (m *Metrics) AddAssetsCached(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.assetsCached.Add(float64(n))
}

// IncCachesDeleted 记录一次旧缓存删除。
func (m *Metrics) IncCachesDeleted() {
	if m == nil {
		return
	}
	m.cachesDeleted.Inc()
}
