package model

import (
	"fmt"
	"time"
)

// RunStatus represents the current state of a review run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusSkipped    RunStatus = "skipped"
)

// Terminal reports whether the status is final. A terminal run never
// re-enters in_progress.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusSkipped:
		return true
	}
	return false
}

// Run represents one review execution for one pull-request event.
type Run struct {
	ID           string `json:"id"`
	WorkspaceID  string `json:"workspace_id"`
	RepositoryID string `json:"repository_id"`

	// ExternalRef is a stable key derived from the PR number and head
	// commit SHA. It is unique per workspace so duplicate webhook
	// deliveries never create a second run.
	ExternalRef string `json:"external_ref"`

	RepoFullName string `json:"repo_full_name"`
	PRNumber     int    `json:"pr_number"`
	HeadSHA      string `json:"head_sha"`
	BaseRef      string `json:"base_ref,omitempty"`

	Status RunStatus `json:"status"`

	// Policy is the fully-resolved policy snapshot frozen at execution
	// time. It is never re-resolved after the run reaches a terminal
	// state; annotation publishing reuses this copy.
	Policy *ReviewPolicy `json:"policy,omitempty"`

	Metrics  RunMetrics     `json:"metrics"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunMetrics aggregates token usage and timing for a run.
type RunMetrics struct {
	TokensUsedEstimated int    `json:"tokens_used_estimated"`
	InputTokens         int64  `json:"input_tokens,omitempty"`
	OutputTokens        int64  `json:"output_tokens,omitempty"`
	Provider            string `json:"provider,omitempty"`
	Model               string `json:"model,omitempty"`
	ReviewDurationMS    int64  `json:"review_duration_ms,omitempty"`
}

// ExternalReference builds the dedup key for a pull-request event.
func ExternalReference(prNumber int, headSHA string) string {
	return fmt.Sprintf("pr-%d-%s", prNumber, headSHA)
}
