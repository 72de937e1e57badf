// Package webhook turns inbound pull-request events into review runs.
// It owns the precondition checks, the duplicate-delivery guard, and
// the handoff to the execution queue.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/internal/queue"
	"github.com/pullcrit/pullcrit/internal/runner"
	"github.com/pullcrit/pullcrit/internal/store"
)

// Decision is the outcome of the precondition checks. A disallowed
// event still records a run, in skipped state, carrying the reason.
type Decision struct {
	Allowed bool
	Reason  string
}

// Outcome reports what an event produced.
type Outcome struct {
	RunID     string          `json:"run_id,omitempty"`
	Status    model.RunStatus `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// Settings are the workspace-level knobs consulted before a run is
// created.
type Settings struct {
	AutoReview     bool
	HasProviderKey bool
	MaxRunsPerHour int
	// StoredRules is the workspace's review rules object, stashed on
	// the run for policy resolution.
	StoredRules map[string]any
	// MetadataSync, when set, is invoked for metadata-only PR actions
	// (labels, assignees, draft state) so repository state can be
	// refreshed without creating a run.
	MetadataSync func(ctx context.Context, event *model.PullRequestEvent) error
}

// Service ingests pull-request events.
type Service struct {
	store    store.Store
	queue    *queue.Queue
	settings Settings
}

func NewService(st store.Store, q *queue.Queue, settings Settings) *Service {
	return &Service{store: st, queue: q, settings: settings}
}

// HandleEvent routes one event. Review actions create and enqueue a
// run (or a skipped run when a precondition blocks it); metadata
// actions sync without a run; everything else is ignored.
func (s *Service) HandleEvent(ctx context.Context, event *model.PullRequestEvent) (*Outcome, error) {
	log := zap.L().With(
		zap.String("action", event.Action),
		zap.String("repo", event.Repository.FullName),
		zap.Int("pr_number", event.PullRequest.Number))

	if event.TriggersMetadataSync() {
		log.Debug("metadata-only action, no run created")
		if s.settings.MetadataSync != nil {
			if err := s.settings.MetadataSync(ctx, event); err != nil {
				log.Warn("metadata sync failed", zap.Error(err))
			}
		}
		return &Outcome{Reason: "metadata sync"}, nil
	}
	if !event.TriggersReview() {
		log.Debug("ignoring action")
		return &Outcome{Reason: fmt.Sprintf("action %q does not trigger a review", event.Action)}, nil
	}

	workspaceID := workspaceFor(event)
	decision := s.decide(ctx, workspaceID)

	run := &model.Run{
		WorkspaceID:  workspaceID,
		RepositoryID: strconv.FormatInt(event.Repository.ID, 10),
		ExternalRef:  event.ExternalRef(),
		RepoFullName: event.Repository.FullName,
		PRNumber:     event.PullRequest.Number,
		HeadSHA:      event.PullRequest.Head.SHA,
		BaseRef:      event.PullRequest.Base.Ref,
		Metadata:     map[string]any{"pr_title": event.PullRequest.Title},
	}
	if len(s.settings.StoredRules) > 0 {
		run.Metadata["review_rules"] = s.settings.StoredRules
	}

	if !decision.Allowed {
		// Skipped is terminal from creation; the run exists only so the
		// reason is auditable and user-visible.
		run.Status = model.RunStatusSkipped
		run.Metadata["skip_reason"] = decision.Reason
		created, err := s.store.CreateRun(ctx, run)
		if errors.Is(err, store.ErrDuplicateRun) {
			return s.duplicateOutcome(ctx, workspaceID, event)
		}
		if err != nil {
			return nil, eris.Wrap(err, "webhook: create skipped run")
		}
		log.Info("run skipped", zap.String("run_id", created.ID), zap.String("reason", decision.Reason))
		return &Outcome{RunID: created.ID, Status: model.RunStatusSkipped, Reason: decision.Reason}, nil
	}

	created, err := s.store.CreateRun(ctx, run)
	if errors.Is(err, store.ErrDuplicateRun) {
		// Webhook replay for the same PR number and head SHA never
		// creates a second run.
		log.Info("duplicate delivery, run already exists")
		return s.duplicateOutcome(ctx, workspaceID, event)
	}
	if err != nil {
		return nil, eris.Wrap(err, "webhook: create run")
	}

	if _, err := s.queue.Enqueue(ctx, queue.KindRunExecute, runner.TaskPayload{RunID: created.ID}); err != nil {
		return nil, eris.Wrapf(err, "webhook: enqueue run %s", created.ID)
	}

	log.Info("run queued", zap.String("run_id", created.ID))
	return &Outcome{RunID: created.ID, Status: model.RunStatusQueued}, nil
}

// decide evaluates preconditions in order; the first failure wins and
// its reason is what the user sees on the skipped run.
func (s *Service) decide(ctx context.Context, workspaceID string) Decision {
	if !s.settings.AutoReview {
		return Decision{Reason: "auto reviews disabled"}
	}
	if !s.settings.HasProviderKey {
		return Decision{Reason: "review provider API key not configured"}
	}
	if limit := s.settings.MaxRunsPerHour; limit > 0 {
		n, err := s.store.CountRecentRuns(ctx, workspaceID, time.Now().Add(-time.Hour))
		if err != nil {
			// Counting failures never block reviews.
			zap.L().Warn("plan limit check failed, allowing run", zap.Error(err))
		} else if n >= limit {
			return Decision{Reason: fmt.Sprintf("hourly review limit reached (%d)", limit)}
		}
	}
	return Decision{Allowed: true}
}

func (s *Service) duplicateOutcome(ctx context.Context, workspaceID string, event *model.PullRequestEvent) (*Outcome, error) {
	existing, err := s.store.GetRunByExternalRef(ctx, workspaceID, event.ExternalRef())
	if err != nil {
		return nil, eris.Wrap(err, "webhook: load existing run")
	}
	return &Outcome{RunID: existing.ID, Status: existing.Status, Duplicate: true}, nil
}

func workspaceFor(event *model.PullRequestEvent) string {
	if event.Installation.ID > 0 {
		return fmt.Sprintf("gh-install-%d", event.Installation.ID)
	}
	return "default"
}
