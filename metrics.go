package frontdoor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "frontdoor"

type statsSource interface {
	Status() Status
	Stats() Stats
}

// registerMetrics exposes the supervisor's state and counters. Collectors
// already present in reg (left over from a previous config) are kept.
func registerMetrics(reg prometheus.Registerer, src statsSource) error {
	if reg == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "backend",
			Name:      "up",
			Help:      "Whether a backend process currently exists and has not terminated.",
		}, func() float64 {
			if src.Status().Healthy {
				return 1
			}
			return 0
		}),
		counterFunc("spawns_total", "Backend processes launched or attempted.", func(s Stats) uint64 { return s.Spawns }, src),
		counterFunc("restarts_total", "Backend launches triggered by a previous failure.", func(s Stats) uint64 { return s.Restarts }, src),
		counterFunc("crashes_total", "Backend exits that scheduled a restart.", func(s Stats) uint64 { return s.Crashes }, src),
		counterFunc("launch_failures_total", "Backend processes that could not be started.", func(s Stats) uint64 { return s.LaunchFailures }, src),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func counterFunc(name, help string, pick func(Stats) uint64, src statsSource) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "backend",
		Name:      name,
		Help:      help,
	}, func() float64 {
		return float64(pick(src.Stats()))
	})
}
