package models

import "time"

// JobEventType enumerates lifecycle events published for a job.
type JobEventType string

const (
	EventJobCreated    JobEventType = "job.created"
	EventJobStarted    JobEventType = "job.started"
	EventJobPaused     JobEventType = "job.paused"
	EventJobResumed    JobEventType = "job.resumed"
	EventJobCompleted  JobEventType = "job.completed"
	EventJobFailed     JobEventType = "job.failed"
	EventJobCancelled  JobEventType = "job.cancelled"
	EventJobRolledBack JobEventType = "job.rolled_back"
)

// JobEvent is one lifecycle transition, published to the migration.jobs
// topic for dashboards and notification consumers.
type JobEvent struct {
	JobID     string       `json:"jobId"`
	Type      JobEventType `json:"type"`
	Status    JobStatus    `json:"status"`
	Progress  Progress     `json:"progress"`
	Timestamp time.Time    `json:"timestamp"`
}
