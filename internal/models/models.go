package models

import (
	"time"
)

// Model lifecycle states persisted in Postgres.
const (
	ModelPending = "pending"
	ModelTrained = "trained"
	ModelFailed  = "failed"
)

// Job lifecycle states persisted in Postgres.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// JobTypeFineTune is the only job type the consumer currently handles.
const JobTypeFineTune = "fine-tune"

// Model represents a fine-tuning target and the status of its trained artifact.
type Model struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	BaseModel   string    `json:"base_model"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Job represents one asynchronous unit of work training a Model against a dataset.
type Job struct {
	ID          string     `json:"id"`
	ModelID     string     `json:"model_id"`
	DatasetID   string     `json:"dataset_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	LogsURL     *string    `json:"logs_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TrainingParams carries the hyperparameters for one fine-tuning run.
// Epochs, BatchSize and LearningRate are required; the LoRA fields are optional.
type TrainingParams struct {
	Epochs       int      `json:"epochs"`
	BatchSize    int      `json:"batch_size"`
	LearningRate float64  `json:"learning_rate"`
	LoraRank     *int     `json:"lora_rank,omitempty"`
	LoraAlpha    *float64 `json:"lora_alpha,omitempty"`
}

// JobMessageVersion is the wire schema version stamped on every published message.
const JobMessageVersion = 1

// JobMessage is the immutable queue payload: a snapshot of everything the
// consumer needs, so it never has to join back against the jobs table.
type JobMessage struct {
	Version        int            `json:"version"`
	JobID          string         `json:"job_id"`
	ModelID        string         `json:"model_id"`
	DatasetID      string         `json:"dataset_id"`
	BaseModel      string         `json:"base_model"`
	TrainingParams TrainingParams `json:"training_params"`
}
