package types

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// TierOrder lists priorities from most to least urgent. Queue scheduling
// walks tiers in this order.
var TierOrder = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}

	return false
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status will never be scheduled
// again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}

	return false
}

type DeploymentStatus string

const (
	DeploymentLoading  DeploymentStatus = "loading"
	DeploymentReady    DeploymentStatus = "ready"
	DeploymentError    DeploymentStatus = "error"
	DeploymentUnloaded DeploymentStatus = "unloaded"
)

type ResourceRequirement struct {
	MemoryGB      float64 `json:"memory_gb" msgpack:"memory_gb"`
	DiskGB        float64 `json:"disk_gb,omitempty" msgpack:"disk_gb,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty" msgpack:"estimated_cost,omitempty"`
}

// TrainingConfig is handed to the training worker verbatim. The orchestrator
// does not interpret it beyond the fields it needs for bookkeeping.
type TrainingConfig struct {
	BaseModel    string         `json:"base_model,omitempty" msgpack:"base_model,omitempty"`
	DatasetPath  string         `json:"dataset_path,omitempty" msgpack:"dataset_path,omitempty"`
	Epochs       int            `json:"epochs,omitempty" msgpack:"epochs,omitempty"`
	LearningRate float64        `json:"learning_rate,omitempty" msgpack:"learning_rate,omitempty"`
	Extra        map[string]any `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// JobSubmission is the request shape accepted from the web application
// layer.
type JobSubmission struct {
	OwnerUserID              string              `json:"owner_user_id" msgpack:"owner_user_id"`
	Priority                 Priority            `json:"priority" msgpack:"priority"`
	Resources                ResourceRequirement `json:"resource_requirement" msgpack:"resource_requirement"`
	EstimatedDurationMinutes int                 `json:"estimated_duration_minutes,omitempty" msgpack:"estimated_duration_minutes,omitempty"`
	TrainingConfig           TrainingConfig      `json:"training_config" msgpack:"training_config"`

	// WebhookUrl, when set, receives the final job record as a JSON POST
	// once the job reaches a terminal status.
	WebhookUrl string `json:"webhook_url,omitempty" msgpack:"webhook_url,omitempty"`
}

type TrainingJob struct {
	ID                       string              `json:"id" msgpack:"id"`
	OwnerUserID              string              `json:"owner_user_id" msgpack:"owner_user_id"`
	Priority                 Priority            `json:"priority" msgpack:"priority"`
	Status                   JobStatus           `json:"status" msgpack:"status"`
	QueuedAt                 time.Time           `json:"queued_at" msgpack:"queued_at"`
	StartedAt                *time.Time          `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	CompletedAt              *time.Time          `json:"completed_at,omitempty" msgpack:"completed_at,omitempty"`
	EstimatedDurationMinutes int                 `json:"estimated_duration_minutes,omitempty" msgpack:"estimated_duration_minutes,omitempty"`
	Resources                ResourceRequirement `json:"resource_requirement" msgpack:"resource_requirement"`
	TrainingConfig           TrainingConfig      `json:"training_config" msgpack:"training_config"`
	RetryCount               int                 `json:"retry_count" msgpack:"retry_count"`
	MaxRetries               int                 `json:"max_retries" msgpack:"max_retries"`
	ErrorDetails             string              `json:"error_details,omitempty" msgpack:"error_details,omitempty"`
	ArtifactPath             string              `json:"artifact_path,omitempty" msgpack:"artifact_path,omitempty"`
	Version                  int                 `json:"version,omitempty" msgpack:"version,omitempty"`
	WebhookUrl               string              `json:"webhook_url,omitempty" msgpack:"webhook_url,omitempty"`
}

// DeploymentInfo is a point-in-time snapshot of a deployment, safe to hand
// outside the deployment manager.
type DeploymentInfo struct {
	ID             string           `json:"id"`
	OwnerUserID    string           `json:"owner_user_id"`
	ArtifactPath   string           `json:"artifact_path"`
	Version        int              `json:"version"`
	Status         DeploymentStatus `json:"status"`
	MemoryUsageGB  float64          `json:"memory_usage_gb"`
	InferenceCount int64            `json:"inference_count"`
	LastUsed       time.Time        `json:"last_used"`
	InFlight       int              `json:"in_flight"`
	Error          string           `json:"error,omitempty"`
}
