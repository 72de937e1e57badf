// Package store defines the persistence interface for the review
// pipeline and its SQLite and Postgres backends.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pullcrit/pullcrit/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrDuplicateRun is returned when a run with the same external
// reference already exists in the workspace. Webhook replays hit this
// instead of creating a second run.
var ErrDuplicateRun = eris.New("store: duplicate run")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	RepoFullName string          `json:"repo_full_name,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the review pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	GetRunByExternalRef(ctx context.Context, workspaceID, externalRef string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// CountRecentRuns counts a workspace's runs created at or after
	// since. Plan-limit precondition checks use it.
	CountRecentRuns(ctx context.Context, workspaceID string, since time.Time) (int, error)

	// ClaimRun atomically transitions a queued run to in_progress.
	// Returns false without error when the run is not claimable, which
	// makes redelivered execute tasks a no-op.
	ClaimRun(ctx context.Context, runID string, startedAt time.Time) (bool, error)

	// UpdateRun persists the run's mutable fields: status, policy
	// snapshot, metrics, metadata, error, and completion timing.
	UpdateRun(ctx context.Context, run *model.Run) error

	// Findings
	CreateFindings(ctx context.Context, runID string, findings []model.Finding) ([]model.Finding, error)
	ListFindings(ctx context.Context, runID string) ([]model.Finding, error)

	// Annotations
	CreateAnnotation(ctx context.Context, a model.Annotation) (*model.Annotation, error)
	ListAnnotations(ctx context.Context, runID string) ([]model.Annotation, error)
	CountAnnotations(ctx context.Context, runID string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// dedupeFindings collapses findings that share a hash, keeping first
// occurrence order. Hashes and IDs are assigned where missing so the
// batch is insert-ready.
func dedupeFindings(runID string, findings []model.Finding, newID func() string, now time.Time) []model.Finding {
	seen := make(map[string]struct{}, len(findings))
	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		f.RunID = runID
		if f.Hash == "" {
			f.Hash = f.ComputeHash()
		}
		if _, dup := seen[f.Hash]; dup {
			continue
		}
		seen[f.Hash] = struct{}{}
		if f.ID == "" {
			f.ID = newID()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		out = append(out, f)
	}
	return out
}
