package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/internal/queue"
	"github.com/pullcrit/pullcrit/internal/resilience"
	"github.com/pullcrit/pullcrit/internal/store"
	"github.com/pullcrit/pullcrit/pkg/github"
)

// taskPayload mirrors the run-execution payload on the wire.
type taskPayload struct {
	RunID string `json:"run_id"`
}

// Publisher posts a run's selected findings as inline review comments
// and records an annotation for each successful post.
type Publisher struct {
	store store.Store
	gh    github.Client
}

func NewPublisher(st store.Store, gh github.Client) *Publisher {
	return &Publisher{store: st, gh: gh}
}

// Publish posts annotations for the run and returns how many were
// created. Three preconditions each short-circuit to 0: a run without a
// PR number, a malformed repository name, and a run that already has
// annotations. The last one is the idempotency guard that makes queue
// redelivery safe.
//
// A failed post for one finding does not stop the rest; per-item errors
// come back joined. Every successful post records its annotation before
// the next one is attempted, so a crash mid-batch never loses the guard.
func (p *Publisher) Publish(ctx context.Context, runID string) (int, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return 0, eris.Wrapf(err, "publish: load run %s", runID)
	}

	log := zap.L().With(zap.String("run_id", run.ID), zap.String("repo", run.RepoFullName))

	if run.PRNumber <= 0 {
		log.Warn("skipping publish, run has no PR number")
		return 0, nil
	}
	if _, _, err := github.SplitRepo(run.RepoFullName); err != nil {
		log.Warn("skipping publish, malformed repository name")
		return 0, nil
	}
	existing, err := p.store.CountAnnotations(ctx, run.ID)
	if err != nil {
		return 0, eris.Wrapf(err, "publish: count annotations for run %s", run.ID)
	}
	if existing > 0 {
		log.Info("skipping publish, annotations already exist", zap.Int("existing", existing))
		return 0, nil
	}

	findings, err := p.store.ListFindings(ctx, run.ID)
	if err != nil {
		return 0, eris.Wrapf(err, "publish: load findings for run %s", run.ID)
	}

	policy := run.Policy
	if policy == nil {
		policy = &model.ReviewPolicy{}
	}
	selected := SelectFindings(findings, policy)

	var posted int
	var postErrs []error
	for _, f := range selected {
		externalID, err := p.gh.CreateReviewComment(ctx, run.RepoFullName, run.PRNumber, github.ReviewComment{
			CommitSHA: run.HeadSHA,
			Path:      f.FilePath,
			Line:      f.LineStart,
			Body:      commentBody(f),
		})
		if err != nil {
			log.Warn("failed to post finding",
				zap.String("finding_id", f.ID),
				zap.String("path", f.FilePath),
				zap.Error(err))
			postErrs = append(postErrs, eris.Wrapf(err, "finding %s", f.ID))
			continue
		}

		if _, err := p.store.CreateAnnotation(ctx, model.Annotation{
			FindingID:  f.ID,
			ExternalID: externalID,
			Type:       model.AnnotationTypeInline,
		}); err != nil {
			postErrs = append(postErrs, eris.Wrapf(err, "record annotation for finding %s", f.ID))
			continue
		}
		posted++
	}

	log.Info("publish finished",
		zap.Int("selected", len(selected)),
		zap.Int("posted", posted),
		zap.Int("errors", len(postErrs)))
	return posted, errors.Join(postErrs...)
}

// Handler adapts the publisher to a queue task handler. A batch where
// nothing posted and errors occurred is reported as transient so the
// queue redelivers it; the annotation guard in Publish makes the retry
// safe. Partial batches are not retried, since the guard would skip
// the remainder anyway.
func (p *Publisher) Handler() queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var payload taskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return eris.Wrap(err, "publish: decode task payload")
		}

		posted, err := p.Publish(ctx, payload.RunID)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		if posted == 0 {
			return resilience.NewTransientError(
				eris.Wrapf(err, "publish: no annotations posted for run %s", payload.RunID), 0)
		}
		zap.L().Warn("annotation publish incomplete",
			zap.String("run_id", payload.RunID),
			zap.Int("posted", posted),
			zap.Error(err))
		return nil
	}
}

// commentBody renders one finding as a review comment.
func commentBody(f model.Finding) string {
	body := fmt.Sprintf("**[%s/%s]** %s\n\n%s", f.Severity, f.Category, f.Title, f.Description)
	if f.Rationale != "" {
		body += "\n\n" + f.Rationale
	}
	if f.Suggestion != "" {
		body += fmt.Sprintf("\n\n```suggestion\n%s\n```", f.Suggestion)
	}
	return body
}
