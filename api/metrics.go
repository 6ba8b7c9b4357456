package api

// metrics.go exposes the coordinator's operational gauges and counters on
// a private prometheus registry, served at /metrics behind the admin key.

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

type apiMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

func newAPIMetrics(queue modules.JobQueue, minerRegistry modules.MinerRegistry) *apiMetrics {
	reg := prometheus.NewRegistry()
	m := &apiMetrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tensorgrid",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route.",
		}, []string{"route"}),
	}
	reg.MustRegister(m.requests)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tensorgrid",
		Name:      "queue_depth",
		Help:      "Jobs currently QUEUED.",
	}, func() float64 {
		stats, err := queue.Stats()
		if err != nil {
			return 0
		}
		return float64(stats.QueueDepth)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tensorgrid",
		Name:      "running_jobs",
		Help:      "Jobs currently RUNNING.",
	}, func() float64 {
		stats, err := queue.Stats()
		if err != nil {
			return 0
		}
		return float64(stats.Running)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tensorgrid",
		Name:      "miners_online",
		Help:      "Miners with a live heartbeat.",
	}, func() float64 {
		miners, err := minerRegistry.Miners()
		if err != nil {
			return 0
		}
		online := 0
		for _, m := range miners {
			if m.Status == types.MinerOnline {
				online++
			}
		}
		return float64(online)
	}))
	return m
}

// observe counts one request on a route.
func (m *apiMetrics) observe(route string) {
	m.requests.WithLabelValues(route).Inc()
}

// metricsHandler handles GET /metrics.
func (a *API) metricsHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, req)
}
