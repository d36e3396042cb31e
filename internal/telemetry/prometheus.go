package telemetry

import "github.com/prometheus/client_golang/prometheus"

const rouletteNamespace string = "roulette"

var (
	promSessionTotal     prometheus.Counter
	RelayOutcomes        *prometheus.CounterVec
	RateLimited          *prometheus.CounterVec
	LimiterBackendErrors prometheus.Counter
	MirrorDropped        prometheus.Counter
)

func init() {
	promSessionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: rouletteNamespace,
		Subsystem: "session",
		Name:      "created_total",
	})

	RelayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: rouletteNamespace,
			Subsystem: "relay",
			Name:      "forward_total",
		},
		[]string{"outcome"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: rouletteNamespace,
			Subsystem: "ratelimit",
			Name:      "denied_total",
		},
		[]string{"action"},
	)

	LimiterBackendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: rouletteNamespace,
		Subsystem: "ratelimit",
		Name:      "backend_errors_total",
	})

	MirrorDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: rouletteNamespace,
		Subsystem: "mirror",
		Name:      "dropped_total",
	})

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(RelayOutcomes)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(LimiterBackendErrors)
	prometheus.MustRegister(MirrorDropped)
}

func SessionStarted() {
	promSessionTotal.Inc()
}
