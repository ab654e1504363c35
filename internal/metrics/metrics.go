// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trafegodns/trafegodns/internal/types"
)

func init() {
	prometheus.MustRegister(RecordsManaged)
	prometheus.MustRegister(RecordsOrphaned)
	prometheus.MustRegister(SyncActions)
	prometheus.MustRegister(SyncFailures)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(ProviderRequests)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(BuildInfo)
}

var (
	RecordsManaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafegodns_records_managed",
			Help: "Tracked active records per provider and record type",
		},
		[]string{"provider", "record_type"},
	)

	RecordsOrphaned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafegodns_records_orphaned",
			Help: "Tracked records currently in the orphan grace window",
		},
		[]string{"provider"},
	)

	SyncActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafegodns_sync_actions_total",
			Help: "Reconciliation actions applied, per provider and action",
		},
		[]string{"provider", "action"},
	)

	SyncFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafegodns_sync_failures_total",
			Help: "Reconciliation actions that failed, per provider",
		},
		[]string{"provider"},
	)

	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trafegodns_sync_duration_seconds",
			Help:    "Duration of one provider reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafegodns_provider_requests_total",
			Help: "Requests issued to DNS providers, per provider and operation",
		},
		[]string{"provider", "operation"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafegodns_events_published_total",
			Help: "Events published on the internal bus, per type",
		},
		[]string{"type"},
	)

	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafegodns_build_info",
			Help: "Build information; value is always 1",
		},
		[]string{"version"},
	)
)

// SetBuildInfo records the running version.
func SetBuildInfo(version string) {
	BuildInfo.WithLabelValues(version).Set(1)
}

// ObserveSync records the outcome of one reconciliation cycle.
func ObserveSync(stats types.SyncStats, duration time.Duration) {
	SyncActions.WithLabelValues(stats.ProviderID, "create").Add(float64(stats.Created))
	SyncActions.WithLabelValues(stats.ProviderID, "update").Add(float64(stats.Updated))
	SyncActions.WithLabelValues(stats.ProviderID, "delete").Add(float64(stats.Deleted))
	SyncActions.WithLabelValues(stats.ProviderID, "orphan").Add(float64(stats.Orphaned))
	SyncActions.WithLabelValues(stats.ProviderID, "restore").Add(float64(stats.Restored))
	SyncFailures.WithLabelValues(stats.ProviderID).Add(float64(stats.Failed))
	SyncDuration.WithLabelValues(stats.ProviderID).Observe(duration.Seconds())
}

// Observer updates event counters from the bus. Subscribe it with
// SubscribeAll.
func Observer(evt types.Event) {
	EventsPublished.WithLabelValues(string(evt.Type)).Inc()
}
