package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "docflow"

// Metrics holds all DocFlow metric instruments.
type Metrics struct {
	JobsSubmitted         metric.Int64Counter
	JobsSucceeded         metric.Int64Counter
	JobsFailed            metric.Int64Counter
	JobThrottles          metric.Int64Counter
	JobRetries            metric.Int64Counter
	JobMaxRetriesExceeded metric.Int64Counter
	JobNonRetryableErrors metric.Int64Counter
	ReviewsOpened         metric.Int64Counter
	ReviewsCompleted      metric.Int64Counter
	ReviewsEscalated      metric.Int64Counter
	ExecutionsDone        metric.Int64Counter
	ExecutionsFailed      metric.Int64Counter
	EventsDropped         metric.Int64Counter
	StoreConflicts        metric.Int64Counter
	DocumentsProcessed    metric.Int64Counter
	PagesProcessed        metric.Int64Counter
	ExecutionDuration     metric.Float64Histogram
	JobSubmitLatency      metric.Float64Histogram

	meter metric.Meter
}

// NewMetrics creates all instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.Meter(meterName))
}

// NewMetricsFrom creates all instruments on meter.
func NewMetricsFrom(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.JobsSubmitted, "docflow.jobs.submitted", "Extraction jobs accepted by the service"},
		{&m.JobsSucceeded, "docflow.jobs.succeeded", "Extraction jobs that completed successfully"},
		{&m.JobsFailed, "docflow.jobs.failed", "Extraction jobs that failed"},
		{&m.JobThrottles, "docflow.jobs.throttles", "Submissions rejected by service throttling"},
		{&m.JobRetries, "docflow.jobs.retries", "Job resubmissions after a retryable failure"},
		{&m.JobMaxRetriesExceeded, "docflow.jobs.max_retries_exceeded", "Executions that exhausted their attempts"},
		{&m.JobNonRetryableErrors, "docflow.jobs.non_retryable_errors", "Client errors that ended an execution"},
		{&m.ReviewsOpened, "docflow.reviews.opened", "Review units opened"},
		{&m.ReviewsCompleted, "docflow.reviews.completed", "Review units completed"},
		{&m.ReviewsEscalated, "docflow.reviews.escalated", "Review units escalated after the SLA"},
		{&m.ExecutionsDone, "docflow.executions.done", "Executions finalized"},
		{&m.ExecutionsFailed, "docflow.executions.failed", "Executions ended in ERROR"},
		{&m.EventsDropped, "docflow.events.dropped", "Duplicate or stale events dropped"},
		{&m.StoreConflicts, "docflow.store.conflicts", "Compare-and-swap conflicts"},
		{&m.DocumentsProcessed, "docflow.documents.processed", "Documents whose extraction was processed"},
		{&m.PagesProcessed, "docflow.pages.processed", "Pages covered by processed extractions"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	var err error
	m.ExecutionDuration, err = meter.Float64Histogram("docflow.execution.duration_seconds",
		metric.WithDescription("Time from execution creation to a terminal state"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.JobSubmitLatency, err = meter.Float64Histogram("docflow.job.submit_latency_ms",
		metric.WithDescription("Latency of extraction job submission calls"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveLogDrops reports the async logger's drop count as
// docflow.log.dropped.
func (m *Metrics) ObserveLogDrops(dropped func() int64) error {
	_, err := m.meter.Int64ObservableCounter("docflow.log.dropped",
		metric.WithDescription("Log records dropped by the async handler"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(dropped())
			return nil
		}))
	return err
}
