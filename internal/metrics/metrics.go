package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful scans.
	OutcomeSuccess = "success"
	// OutcomeError labels scans that failed or were cut short.
	OutcomeError = "error"
)

var (
	errorsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "error_intel",
			Name:      "errors_ingested_total",
			Help:      "Total number of raw errors accepted for clustering.",
		},
	)

	assignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "error_intel",
			Name:      "cluster_assignments_total",
			Help:      "Cluster assignments partitioned by outcome and match kind.",
		},
		[]string{"outcome", "match"},
	)

	clustersMergedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "error_intel",
			Name:      "clusters_merged_total",
			Help:      "Duplicate clusters folded into their oldest sibling.",
		},
	)

	patternsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "error_intel",
			Name:      "patterns_detected_total",
			Help:      "Patterns promoted from clusters, by severity.",
		},
		[]string{"severity"},
	)

	suppressionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "error_intel",
			Name:      "suppression_decisions_total",
			Help:      "Suppression verdicts, partitioned by decision.",
		},
		[]string{"decision"},
	)

	analyzerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "error_intel",
			Name:      "analyzer_failures_total",
			Help:      "Isolated failures of hypothesis analyzers and suppression rules.",
		},
		[]string{"component"},
	)

	scanDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "error_intel",
			Name:      "scan_seconds",
			Help:      "Scheduled scan latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
)

// Register attaches error-intel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		errorsIngestedTotal,
		assignmentsTotal,
		clustersMergedTotal,
		patternsDetectedTotal,
		suppressionDecisionsTotal,
		analyzerFailuresTotal,
		scanDurationSeconds,
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

// ObserveIngested counts accepted raw errors.
func ObserveIngested(n int) {
	if n > 0 {
		errorsIngestedTotal.Add(float64(n))
	}
}

// ObserveAssignment records one clusterer decision.
func ObserveAssignment(outcome string, exact bool) {
	match := "similar"
	if exact {
		match = "exact"
	}
	if outcome == "created_new" {
		match = "none"
	}
	assignmentsTotal.WithLabelValues(outcome, match).Inc()
}

// ObserveMerged counts clusters removed by duplicate merging.
func ObserveMerged(n int) {
	if n > 0 {
		clustersMergedTotal.Add(float64(n))
	}
}

// ObservePatternDetected counts a promotion.
func ObservePatternDetected(severity string) {
	patternsDetectedTotal.WithLabelValues(severity).Inc()
}

// ObserveSuppression records a suppression verdict.
func ObserveSuppression(suppressed bool) {
	decision := "allowed"
	if suppressed {
		decision = "suppressed"
	}
	suppressionDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveAnalyzerFailure counts an isolated component failure.
func ObserveAnalyzerFailure(component string) {
	analyzerFailuresTotal.WithLabelValues(component).Inc()
}

// ObserveScan records a scan duration and outcome label.
func ObserveScan(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	if duration < 0 {
		duration = 0
	}
	scanDurationSeconds.WithLabelValues(label).Observe(duration.Seconds())
}
