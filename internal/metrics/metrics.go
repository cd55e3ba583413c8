// Package metrics provides Prometheus metrics for the dashboard's polling and submission paths.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	CycleOK           = "ok"
	CycleUnauthorized = "unauthorized"
	CycleFailed       = "failed"

	SubmitAccepted  = "accepted"
	SubmitThrottled = "throttled"
	SubmitInvalid   = "invalid"
	SubmitFailed    = "failed"
)

var (
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_poll_cycles_total",
			Help: "Total number of refresh cycles by outcome",
		},
		[]string{"outcome"},
	)
	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queuewatch_poll_cycle_duration_seconds",
			Help:    "Refresh cycle duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	ReachableServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queuewatch_capacity_servers_reachable",
			Help: "Number of worker nodes that answered the last capacity probe",
		},
	)
	ProbeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_capacity_probe_failures_total",
			Help: "Total number of failed capacity probes",
		},
		[]string{"endpoint"},
	)
	TasksDisplayed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuewatch_tasks_displayed",
			Help: "Tasks in the last rendered view by display status",
		},
		[]string{"status"},
	)
	EstimatedWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queuewatch_estimated_wait_seconds",
			Help:    "Locally estimated wait time for tasks awaiting dispatch",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		},
	)
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_submissions_total",
			Help: "Total number of task submissions by outcome",
		},
		[]string{"outcome"},
	)
	ThrottleActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queuewatch_throttle_active",
			Help: "1 while the submission cooldown is running",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queuewatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordCycle(outcome string, duration time.Duration) {
	PollCycles.WithLabelValues(outcome).Inc()
	PollCycleDuration.Observe(duration.Seconds())
}

func RecordProbeFailure(endpoint string) {
	ProbeFailures.WithLabelValues(endpoint).Inc()
}

func UpdateReachableServers(count int) {
	ReachableServers.Set(float64(count))
}

func UpdateTasksDisplayed(byStatus map[string]int) {
	TasksDisplayed.Reset()
	for status, count := range byStatus {
		TasksDisplayed.WithLabelValues(status).Set(float64(count))
	}
}

func RecordEstimatedWait(wait time.Duration) {
	EstimatedWait.Observe(wait.Seconds())
}

func RecordSubmission(outcome string) {
	Submissions.WithLabelValues(outcome).Inc()
}

func SetThrottleActive(active bool) {
	if active {
		ThrottleActive.Set(1)
		return
	}
	ThrottleActive.Set(0)
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
