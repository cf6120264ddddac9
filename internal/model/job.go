package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle status of a provisioning job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// PipelineState is a state of the provisioning state machine.
type PipelineState string

const (
	StatePending          PipelineState = "PENDING"
	StateCreatingDatabase PipelineState = "CREATING_DATABASE"
	StateMigratingSchema  PipelineState = "MIGRATING_SCHEMA"
	StateSeedingAdmin     PipelineState = "SEEDING_ADMIN"
	StateRegistering      PipelineState = "REGISTERING"
	StateCompleted        PipelineState = "COMPLETED"
	StateFailed           PipelineState = "FAILED"
)

// Terminal reports whether no further transition leaves the state.
func (s PipelineState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Step statuses recorded in provisioning_logs.
const (
	StepStarted   = "started"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// ProvisioningJob represents the provisioning_jobs table
type ProvisioningJob struct {
	ID                uuid.UUID     `json:"id"`
	TenantID          uuid.UUID     `json:"tenant_id"`
	TenantName        string        `json:"tenant_name"`
	DatabaseName      string        `json:"database_name"`
	Subdomain         string        `json:"subdomain"`
	AdminEmail        string        `json:"admin_email"`
	AdminPasswordHash string        `json:"-"` // bcrypt hash from intake, never plaintext
	RequestedPlan     string        `json:"requested_plan"`
	Status            JobStatus     `json:"status"`
	PipelineState     PipelineState `json:"pipeline_state"`
	Attempt           int           `json:"attempt"`
	RunAt             time.Time     `json:"run_at"`
	LastError         *string       `json:"last_error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// ProvisioningLog represents the provisioning_logs table
type ProvisioningLog struct {
	ID        int64          `json:"id"`
	JobID     uuid.UUID      `json:"job_id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	Step      PipelineState  `json:"step"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
