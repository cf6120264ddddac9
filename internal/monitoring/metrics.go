package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/queue"
)

var (
	TenantsProvisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenants_provisioned_total",
			Help: "Total number of finished provisioning jobs by status",
		},
		[]string{"status"},
	)
	ProvisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenant_provisioning_duration_seconds",
			Help:    "Duration of a provisioning attempt in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~2m
		},
	)
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioning_jobs_in_flight",
			Help: "Number of provisioning jobs currently running",
		},
	)
	PoolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioning_pool_errors_total",
			Help: "Queue and bookkeeping errors seen by the worker pool",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisioning_queue_depth",
			Help: "Number of job ids per queue list",
		},
		[]string{"list"},
	)
)

func InitMetrics() {
	for name, c := range map[string]prometheus.Collector{
		"TenantsProvisioned":   TenantsProvisioned,
		"ProvisioningDuration": ProvisioningDuration,
		"JobsInFlight":         JobsInFlight,
		"PoolErrors":           PoolErrors,
		"QueueDepth":           QueueDepth,
	} {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
}

// NewRouterGauge reports the number of open tenant connections.
func NewRouterGauge(size func() int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tenant_router_connections",
			Help: "Number of tenant connection handles held by the router",
		},
		func() float64 { return float64(size()) },
	)
}

// ObserveQueueDepth publishes a queue depth snapshot.
func ObserveQueueDepth(d queue.Depth) {
	QueueDepth.WithLabelValues("ready").Set(float64(d.Ready))
	QueueDepth.WithLabelValues("processing").Set(float64(d.Processing))
	QueueDepth.WithLabelValues("delayed").Set(float64(d.Delayed))
	QueueDepth.WithLabelValues("failed").Set(float64(d.Failed))
}

// WatchQueue samples depth every interval until ctx is done.
func WatchQueue(ctx context.Context, depth func(context.Context) (queue.Depth, error), interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d, err := depth(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Failed to sample queue depth")
		} else {
			ObserveQueueDepth(d)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
