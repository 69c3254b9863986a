package worksheetgen

import "github.com/prometheus/client_golang/prometheus"

var (
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worksheetgen_pipeline_runs_total",
			Help: "Total number of worksheet pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worksheetgen_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.5, 2, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	backendCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worksheetgen_backend_calls_total",
			Help: "Total number of generation backend calls by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)

	verificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worksheetgen_verification_failures_total",
			Help: "Items that failed blind verification",
		},
	)

	visualRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worksheetgen_visual_repairs_total",
			Help: "Visual fragment outcomes by kind",
		},
		[]string{"outcome"},
	)

	validationIssues = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worksheetgen_validation_issues_total",
			Help: "Structural issues found by the batch validator",
		},
	)
)

// RegisterMetrics registers the pipeline collectors with reg
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		pipelineRuns,
		stageDuration,
		backendCalls,
		verificationFailures,
		visualRepairs,
		validationIssues,
	)
}
