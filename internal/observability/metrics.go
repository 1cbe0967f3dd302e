package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	serverOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "migratectl",
			Subsystem: "server",
			Name:      "outcomes_total",
			Help:      "Request server runs by terminal status.",
		},
		[]string{"status", "fault"},
	)
	activationWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "migratectl",
			Subsystem: "server",
			Name:      "activation_wait_seconds",
			Help:      "Time spent parked on the activation gate.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)
	executeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "migratectl",
			Subsystem: "server",
			Name:      "execute_duration_seconds",
			Help:      "Guest entry call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	migrationPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "migratectl",
			Subsystem: "guest",
			Name:      "migration_polls_total",
			Help:      "Migration flag polls issued by the guest.",
		},
		[]string{"requested"},
	)
	checkpointBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "migratectl",
			Subsystem: "checkpoint",
			Name:      "written_bytes_total",
			Help:      "Bytes written to snapshot files.",
		},
		[]string{"region"},
	)
	checkpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "migratectl",
			Subsystem: "checkpoint",
			Name:      "snapshot_duration_seconds",
			Help:      "Time to write all snapshot regions.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	restoredBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "migratectl",
			Subsystem: "checkpoint",
			Name:      "restored_bytes_total",
			Help:      "Bytes restored into guest memory.",
		},
		[]string{"region"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			serverOutcomes,
			activationWait,
			executeDuration,
			migrationPolls,
			checkpointBytes,
			checkpointDuration,
			restoredBytes,
		)
	})
}

func RecordOutcome(status, fault string) {
	RegisterMetrics()
	serverOutcomes.WithLabelValues(status, fault).Inc()
}

func RecordActivationWait(d time.Duration) {
	RegisterMetrics()
	activationWait.Observe(d.Seconds())
}

func RecordExecute(status string, d time.Duration) {
	RegisterMetrics()
	executeDuration.WithLabelValues(status).Observe(d.Seconds())
}

func RecordMigrationPoll(requested bool) {
	RegisterMetrics()
	migrationPolls.WithLabelValues(strconv.FormatBool(requested)).Inc()
}

func RecordSnapshot(sizes map[string]int, d time.Duration) {
	RegisterMetrics()
	for region, n := range sizes {
		checkpointBytes.WithLabelValues(region).Add(float64(n))
	}
	checkpointDuration.Observe(d.Seconds())
}

func RecordRestore(region string, n int) {
	RegisterMetrics()
	restoredBytes.WithLabelValues(region).Add(float64(n))
}

// WriteTextfile dumps the default registry in the node_exporter textfile
// format. The server is short-lived, so there is no scrape endpoint.
func WriteTextfile(path string) error {
	RegisterMetrics()
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
