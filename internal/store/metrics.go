package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// noopWrites counts writes skipped because no field changed.
	// Labels: source (local, replicated)
	noopWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "delta",
		Name:      "noop_writes_total",
		Help:      "Writes skipped because the delta filter found no changed field",
	}, []string{"source"})

	// commits counts committed mutations.
	// Labels: kind (upsert, delete, evict, replicate)
	commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "store",
		Name:      "commits_total",
		Help:      "Committed store mutations by kind",
	}, []string{"kind"})

	// evictedDocuments counts rows removed by EVICT.
	evictedDocuments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "store",
		Name:      "evicted_documents_total",
		Help:      "Documents removed locally by eviction",
	})
)
