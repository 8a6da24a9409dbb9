// Package telemetry exposes the Prometheus metrics shared by the worker
// and recovery processes, registered once behind a sync.Once guard so
// repeated calls from tests don't panic on double registration.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "seo_jobs_enqueued_total", Help: "Jobs enqueued by kind"}, []string{"kind"})
	ItemsGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "seo_items_generated_total", Help: "Items processed in the generate phase by outcome"}, []string{"outcome"})
	ItemsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "seo_items_published_total", Help: "Items processed in the publish phase by outcome"}, []string{"outcome"})
	JobsRecovered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seo_jobs_recovered_total", Help: "Jobs failed by the stuck-job recovery loop"})
	UsageRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seo_usage_limit_exceeded_total", Help: "Jobs rejected at dispatch for exceeding the free-tier monthly limit"})
	LockBusy       = prometheus.NewCounter(prometheus.CounterOpts{Name: "seo_tenant_lock_busy_total", Help: "Dispatch attempts that found the tenant lock held"})
	ThrottleWaitMs = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "seo_storeapi_throttle_wait_ms", Help: "Synchronous cost-pacing sleep durations against StoreAPI", Buckets: prometheus.LinearBuckets(0, 500, 11)})
	QueueDepth     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "seo_queue_depth", Help: "Ready queue depth by kind"}, []string{"kind"})
	InFlightJobs   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "seo_jobs_inflight", Help: "Jobs currently leased by a worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			ItemsGenerated,
			ItemsPublished,
			JobsRecovered,
			UsageRejected,
			LockBusy,
			ThrottleWaitMs,
			QueueDepth,
			InFlightJobs,
		)
	})
	return promhttp.Handler()
}
