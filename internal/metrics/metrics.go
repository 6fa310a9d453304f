package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Dispatched      *prometheus.CounterVec
	Answered        *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	GateRejected    prometheus.Counter
	RateLimited     prometheus.Counter
	DispatchSeconds *prometheus.HistogramVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "dispatch_total",
				Help:      "Total backend calls dispatched",
			}, []string{"provider"}),
			Answered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "answered_total",
				Help:      "Total answers merged, including soft failures",
			}, []string{"provider"}),
			Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "failed_total",
				Help:      "Total answers that carried an error code",
			}, []string{"provider"}),
			GateRejected: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "gate_rejected_total",
				Help:      "Submissions rejected because the model was still in flight",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "rate_limited_total",
				Help:      "Submissions rejected by the hourly rate limit",
			}),
			DispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "polychat",
				Name:      "dispatch_seconds",
				Help:      "Backend call latency",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 180},
			}, []string{"provider"}),
		}
		prometheus.MustRegister(
			global.Dispatched, global.Answered, global.Failed,
			global.GateRejected, global.RateLimited, global.DispatchSeconds,
		)
	})
	return global
}
