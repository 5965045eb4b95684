package tracker

import "github.com/prometheus/client_golang/prometheus"

// Prometheus probe metrics.
var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presage_probes_total",
			Help: "Total probes sent, by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)
	probeRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "presage_probe_rtt_seconds",
			Help:    "Probe round-trip time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"platform"},
	)
	trackedContacts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "presage_tracked_contacts",
			Help: "Number of contacts currently tracked.",
		},
		[]string{"platform"},
	)
	presenceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presage_presence_transitions_total",
			Help: "Contact-level presence transitions, by resulting state.",
		},
		[]string{"platform", "state"},
	)
	devicesEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presage_devices_evicted_total",
			Help: "Devices evicted after consecutive drops or staleness.",
		},
		[]string{"platform"},
	)
)

func init() {
	prometheus.MustRegister(probesTotal)
	prometheus.MustRegister(probeRTT)
	prometheus.MustRegister(trackedContacts)
	prometheus.MustRegister(presenceTransitions)
	prometheus.MustRegister(devicesEvicted)
}
