package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// pulls counts pull attempts per peer request.
	// Labels: result (ok, error, discarded)
	pulls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "replication",
		Name:      "pulls_total",
		Help:      "Pull requests sent to peers",
	}, []string{"result"})

	// pullDuration measures a single fetch-and-apply round trip.
	pullDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncgate",
		Subsystem: "replication",
		Name:      "pull_duration_seconds",
		Help:      "Time to fetch from one peer and apply the batch",
		Buckets:   prometheus.DefBuckets,
	})

	// appliedDocs counts remote documents written locally.
	appliedDocs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "replication",
		Name:      "applied_documents_total",
		Help:      "Remote documents merged into the local store",
	})

	// resyncAfterEvict counts evictions that hit an active subscription.
	resyncAfterEvict = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "replication",
		Name:      "resync_after_evict_total",
		Help:      "Evictions of documents still covered by an active subscription",
	})

	// activeSubscriptions tracks subscriptions not yet cancelled.
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncgate",
		Subsystem: "replication",
		Name:      "active_subscriptions",
		Help:      "Subscriptions currently pulling from peers",
	})
)
