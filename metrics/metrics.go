// Package metrics registers the sentry's prometheus counters and gauges,
// grounded on the counter style used for deposit-log processing in the
// teacher's powchain service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ElFetchSuccessCount counts successful EL witness fetches, by endpoint.
	ElFetchSuccessCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentry_el_fetch_success_total",
		Help: "Total number of successful EL block+witness fetches.",
	}, []string{"endpoint"})

	// ElFetchFailureCount counts EL fetch attempts where no endpoint
	// returned both a block and a witness.
	ElFetchFailureCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentry_el_fetch_failure_total",
		Help: "Total number of EL fetches where no configured endpoint succeeded.",
	})

	// ProofRequestsSubmittedCount counts POST /prove submissions to the
	// proof engine.
	ProofRequestsSubmittedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentry_proof_requests_submitted_total",
		Help: "Total number of proof generation jobs submitted to the proof engine.",
	}, []string{"proof_type"})

	// ProofWebhookCompletionsCount counts webhook deliveries, by outcome.
	ProofWebhookCompletionsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentry_proof_webhook_completions_total",
		Help: "Total number of proof engine webhook completions, by outcome.",
	}, []string{"outcome"})

	// ClSubmissionRetriesCount counts CL submission retry attempts.
	ClSubmissionRetriesCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentry_cl_submission_retries_total",
		Help: "Total number of CL proof submission retries, by CL client.",
	}, []string{"client"})

	// ClSubmissionFailuresCount counts CL submissions that exhausted all
	// retries without success.
	ClSubmissionFailuresCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentry_cl_submission_failures_total",
		Help: "Total number of CL proof submissions that exhausted retries.",
	}, []string{"client"})

	// BackfillGapGauge reports the most recently observed slot gap between
	// a zk-enabled CL and the source CL.
	BackfillGapGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentry_backfill_gap_slots",
		Help: "Most recently observed slot gap between a zk-enabled CL and the source CL.",
	}, []string{"client"})
)

// MustRegister registers every sentry metric with the given registerer,
// panicking on duplicate registration the way the teacher's services
// register their collectors at package init.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ElFetchSuccessCount,
		ElFetchFailureCount,
		ProofRequestsSubmittedCount,
		ProofWebhookCompletionsCount,
		ClSubmissionRetriesCount,
		ClSubmissionFailuresCount,
		BackfillGapGauge,
	)
}
