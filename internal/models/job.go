package models

import (
	"time"
)

// Job statuses persisted in Postgres. Completed and failed are terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Logical delivery lanes.
const (
	QueueDefault      = "default"
	QueueProvisioning = "provisioning"
	QueuePolling      = "polling"
)

// JobType selects the handler a job is dispatched to.
type JobType string

const (
	JobSimActivate    JobType = "sim.activate"
	JobSimSuspend     JobType = "sim.suspend"
	JobSimResume      JobType = "sim.resume"
	JobSimPollUsage   JobType = "sim.poll_usage"
	JobWebhookTelnyx  JobType = "webhook.telnyx"
	JobWebhookVola    JobType = "webhook.vola"
	JobWebhookTmobile JobType = "webhook.tmobile"
)

// JobTypes lists every job type the worker must be able to execute.
func JobTypes() []JobType {
	return []JobType{
		JobSimActivate,
		JobSimSuspend,
		JobSimResume,
		JobSimPollUsage,
		JobWebhookTelnyx,
		JobWebhookVola,
		JobWebhookTmobile,
	}
}

// Job represents a unit of asynchronous work persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Type           JobType        `json:"job_type"`
	Queue          string         `json:"queue"`
	Status         string         `json:"status"`
	TenantID       *string        `json:"tenant_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error,omitempty"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	NextRunAt      time.Time      `json:"next_run_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can no longer change status.
func (j Job) Terminal() bool {
	return IsTerminal(j.Status)
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// JobFilter narrows job listings.
type JobFilter struct {
	TenantID string
	Status   string
	Type     string
	Limit    int
}
