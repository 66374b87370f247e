package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedRunners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tether",
		Subsystem: "broker",
		Name:      "connected_runners",
		Help:      "Number of runner sockets currently registered.",
	})
	connectedApps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tether",
		Subsystem: "broker",
		Name:      "connected_apps",
		Help:      "Number of app sockets currently connected.",
	})
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tether",
		Subsystem: "broker",
		Name:      "active_sessions",
		Help:      "Number of live PTY sessions.",
	})
	pairingAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "broker",
		Name:      "pairing_attempts_total",
		Help:      "Pairing attempts by outcome.",
	}, []string{"outcome"})
	forwardedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "broker",
		Name:      "forwarded_frames_total",
		Help:      "Terminal frames relayed between apps and runners.",
	}, []string{"direction"})
	droppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Subsystem: "broker",
		Name:      "dropped_frames_total",
		Help:      "Terminal frames dropped instead of relayed.",
	}, []string{"reason"})
)

// newMetricsRegistry builds a registry holding the broker collectors.
// Each Server carries its own registry so tests can run several brokers
// in one process.
func newMetricsRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		connectedRunners,
		connectedApps,
		activeSessions,
		pairingAttempts,
		forwardedFrames,
		droppedFrames,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
