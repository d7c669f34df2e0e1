/**
 * @description
 * JobRun is the ephemeral execution record kept by the job registry for
 * operational visibility. It is not a financial entity and is retained only
 * in a bounded in-memory history.
 */
package domain

import "time"

// JobType identifies one of the scheduled billing jobs.
type JobType string

const (
	JobInvoiceGeneration    JobType = "invoice_generation"
	JobRecurrentBillingRun  JobType = "recurrent_billing_run"
	JobFallbackSweep        JobType = "fallback_sweep"
	JobStatusReconciliation JobType = "status_reconciliation"
)

// JobStatus is the lifecycle state of a job run.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobRun records one execution of a scheduled job.
type JobRun struct {
	ID         string         `json:"id"`
	Type       JobType        `json:"type"`
	Key        string         `json:"key"`
	Status     JobStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Summary    map[string]int `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
}
