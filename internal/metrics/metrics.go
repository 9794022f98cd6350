// Package metrics holds the Prometheus collectors for the execution
// host. Collectors are constructed explicitly and handed to the
// components that update them; nothing registers itself against a
// global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pool tracks worker-pool occupancy and throughput for one language.
type Pool struct {
	Units        prometheus.Gauge
	BusyUnits    prometheus.Gauge
	QueueDepth   prometheus.Gauge
	JobsTotal    *prometheus.CounterVec
	UnitRestarts prometheus.Counter
}

// NewPool builds the pool collectors for a language and registers them.
func NewPool(reg prometheus.Registerer, language string) *Pool {
	labels := prometheus.Labels{"language": language}
	p := &Pool{
		Units: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "krater_pool_units",
			Help:        "Execution units currently owned by the pool.",
			ConstLabels: labels,
		}),
		BusyUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "krater_pool_busy_units",
			Help:        "Execution units currently running a job.",
			ConstLabels: labels,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "krater_pool_queue_depth",
			Help:        "Jobs waiting for a free execution unit.",
			ConstLabels: labels,
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "krater_pool_jobs_total",
			Help:        "Completed jobs by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		UnitRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "krater_pool_unit_restarts_total",
			Help:        "Units replaced after crashes, stalls or repeated failures.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(p.Units, p.BusyUnits, p.QueueDepth, p.JobsTotal, p.UnitRestarts)
	return p
}

// Cache tracks artifact-cache effectiveness.
type Cache struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	UsedBytes prometheus.Gauge
	Entries   prometheus.Gauge
}

// NewCache builds the cache collectors and registers them.
func NewCache(reg prometheus.Registerer) *Cache {
	c := &Cache{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krater_cache_hits_total",
			Help: "Artifact cache lookups served from memory.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krater_cache_misses_total",
			Help: "Artifact cache lookups that required compilation.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krater_cache_evictions_total",
			Help: "Artifacts evicted to stay within the memory budget.",
		}),
		UsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "krater_cache_used_bytes",
			Help: "Bytes currently held by cached artifacts.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "krater_cache_entries",
			Help: "Artifacts currently cached.",
		}),
	}
	reg.MustRegister(c.Hits, c.Misses, c.Evictions, c.UsedBytes, c.Entries)
	return c
}
