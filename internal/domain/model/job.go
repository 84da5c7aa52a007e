package model

// Job is the queue payload for one dispatched task. Credentials are not
// carried; the worker resolves them again from Models.
type Job struct {
	TaskID string         `json:"task_id"`
	Query  string         `json:"query,omitempty"`
	Plan   Plan           `json:"plan"`
	Models []ModelRequest `json:"models"`
}
