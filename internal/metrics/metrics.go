package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes.
const (
	OutcomeAnnotated   = "annotated"
	OutcomePassThrough = "pass_through"
	OutcomeInputError  = "input_error"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leak_detector",
			Name:      "runs_total",
			Help:      "Pipeline invocations, partitioned by outcome and fallback reason.",
		},
		[]string{"outcome", "reason"},
	)

	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leak_detector",
			Name:      "detections_total",
			Help:      "Detections returned by the vision service, partitioned by filter decision.",
		},
		[]string{"decision"},
	)

	serviceSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "leak_detector",
			Name:      "service_seconds",
			Help:      "Vision service call latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 4, 6, 8, 10, 15, 20, 30},
		},
	)
)

// Register attaches collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		detectionsTotal,
		serviceSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records the outcome of one invocation. reason is empty unless
// the run fell back to pass-through.
func ObserveRun(outcome, reason string) {
	runsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveDetections records how many detections were kept and discarded.
func ObserveDetections(kept, discarded int) {
	detectionsTotal.WithLabelValues("kept").Add(float64(kept))
	detectionsTotal.WithLabelValues("discarded").Add(float64(discarded))
}

// ObserveServiceCall records the latency of one vision service call.
func ObserveServiceCall(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	serviceSeconds.Observe(duration.Seconds())
}
