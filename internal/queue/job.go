package queue

import (
	"encoding/json"
	"time"
)

// Job is the record stored in a queue list.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastError   string          `json:"lastError,omitempty"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
}

// Decode unmarshals the payload into dest.
func (j *Job) Decode(dest any) error {
	return json.Unmarshal(j.Payload, dest)
}

// FailedJob is a dead-letter record: the job as it was on its last attempt.
type FailedJob struct {
	Job
	FailedAt   time.Time `json:"failedAt"`
	FinalError string    `json:"finalError"`
	Stack      string    `json:"stack,omitempty"`
}
