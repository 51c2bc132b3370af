package model

import (
	"fmt"
	"time"
)

// JobPayload is the immutable unit of work handed to a self-hosted runner.
type JobPayload struct {
	AgentID            int64    `json:"agentId"`
	Prompt             string   `json:"prompt"`
	RepositoryFullName string   `json:"repositoryFullName,omitempty"`
	ToolSlugs          []string `json:"toolSlugs"`
	BaseBranch         string   `json:"baseBranch"`
	IsPrimaryRun       bool     `json:"isPrimaryRun"`
}

// Validate checks the fields a runner cannot do without.
func (p JobPayload) Validate() error {
	if p.AgentID <= 0 {
		return fmt.Errorf("agentId must be positive")
	}
	if p.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// JobStatus is the queue-side state of a job. Successful jobs are deleted,
// so there is no "done" status.
type JobStatus string

const (
	JobStatusQueued JobStatus = "queued"
	JobStatusFailed JobStatus = "failed"
)

// Job is a JobPayload wrapped with queue bookkeeping.
type Job struct {
	ID          int64      `json:"id"`
	Payload     JobPayload `json:"payload"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
