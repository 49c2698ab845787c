package offlinecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	requests      *prometheus.CounterVec
	writes        *prometheus.CounterVec
	installs      *prometheus.CounterVec
	activations   prometheus.Counter
	notifications prometheus.Counter
	generation    *prometheus.GaugeVec
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// newMetrics registers the cache metrics on reg, labelled with the cache name
// so that caches with distinct names can share a registry.
func newMetrics(reg prometheus.Registerer, name string, pending func() float64) *metrics {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"name": name},
		prometheus.WrapRegistererWithPrefix("offline_cache_", reg))
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Intercepted requests by category and response source",
		}, []string{"category", "source"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_writes_total",
			Help: "Write-through cache writes by collection role and result",
		}, []string{"role", "result"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "installs_total",
			Help: "Generation installs by result",
		}, []string{"result"}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activations_total",
			Help: "Generation activations",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notifications shown from push payloads",
		}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "generation_info",
			Help: "Known generations, labelled by version and state",
		}, []string{"version", "state"}),
	}
	reg.MustRegister(m.requests, m.writes, m.installs, m.activations, m.notifications, m.generation)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pending_tasks",
		Help: "Tracked tasks that have not settled yet",
	}, pending))
	return m
}

func (m *metrics) setState(version string, from, to State) {
	if from != "" {
		m.generation.DeleteLabelValues(version, string(from))
	}
	if to != StateRedundant {
		m.generation.WithLabelValues(version, string(to)).Set(1)
	}
}
