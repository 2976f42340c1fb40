package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "gateway"

type promCollectors struct {
	connections    prometheus.Gauge
	requests       *prometheus.CounterVec
	bytes          prometheus.Counter
	cacheLookups   *prometheus.CounterVec
	blocked        *prometheus.CounterVec
	upstreamErrors prometheus.Counter
	errors         prometheus.Counter
}

func newCollectors() *promCollectors {
	return &promCollectors{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_connections",
			Help:      "Current number of active tunnel connections",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of processed requests by outcome",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Total number of bytes relayed through tunnels",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Asset cache lookups by result",
		}, []string{"result"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_requests_total",
			Help:      "Requests denied by the access gate by reason",
		}, []string{"reason"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Asset fetches that failed at the transport level",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of internal errors",
		}),
	}
}

func (c *promCollectors) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.connections,
		c.requests,
		c.bytes,
		c.cacheLookups,
		c.blocked,
		c.upstreamErrors,
		c.errors,
	)
}
