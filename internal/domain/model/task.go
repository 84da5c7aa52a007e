package model

import (
	"encoding/json"
	"time"
)

// CancelMessage is recorded as the error of a task cancelled by a caller.
const CancelMessage = "Task cancelled by user"

// EvaluationTask is a ledger row tracking one submission.
type EvaluationTask struct {
	ID          string          `json:"task_id"`
	Status      Status          `json:"status"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Requester   string          `json:"requester,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ExperimentSample is one evaluated prompt. Samples are append-only.
type ExperimentSample struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	Answer      string         `json:"answer"`
	Reference   string         `json:"reference"`
	Skill       string         `json:"skill"`
	Language    string         `json:"language"`
	Subject     string         `json:"subject"`
	Format      string         `json:"format"`
	Dataset     string         `json:"dataset"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Correctness float64        `json:"correctness"`
	CreatedAt   time.Time      `json:"created_at"`
}
