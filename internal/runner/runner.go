// Package runner drives one review run from claimed to terminal:
// fetch the PR, resolve and freeze the policy, invoke the review
// engine, persist findings, then hand publishing to the queue.
package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/internal/policy"
	"github.com/pullcrit/pullcrit/internal/queue"
	"github.com/pullcrit/pullcrit/internal/review"
	"github.com/pullcrit/pullcrit/internal/store"
	"github.com/pullcrit/pullcrit/pkg/github"
)

// TaskPayload is the payload for both run.execute and
// annotations.publish tasks.
type TaskPayload struct {
	RunID string `json:"run_id"`
}

// Runner executes review runs.
type Runner struct {
	store     store.Store
	gh        github.Client
	resolver  *policy.Resolver
	engine    review.Engine
	queue     *queue.Queue
	ghTimeout time.Duration
}

func New(st store.Store, gh github.Client, resolver *policy.Resolver, engine review.Engine, q *queue.Queue, ghTimeout time.Duration) *Runner {
	if ghTimeout <= 0 {
		ghTimeout = 30 * time.Second
	}
	return &Runner{store: st, gh: gh, resolver: resolver, engine: engine, queue: q, ghTimeout: ghTimeout}
}

// Handler adapts Execute to a queue handler for run.execute tasks.
func (r *Runner) Handler() queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return eris.Wrap(err, "runner: decode execute payload")
		}
		return r.Execute(ctx, payload.RunID)
	}
}

// Execute drives the run to a terminal state. Redelivered tasks are
// no-ops: the claim only succeeds while the run is still queued. The
// returned error covers infrastructure failures only; review failures
// are recorded on the run and return nil so the queue does not retry a
// terminal run.
func (r *Runner) Execute(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "runner: load run %s", runID)
	}

	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("repo", run.RepoFullName),
		zap.Int("pr_number", run.PRNumber))

	startedAt := time.Now().UTC()
	claimed, err := r.store.ClaimRun(ctx, run.ID, startedAt)
	if err != nil {
		return eris.Wrapf(err, "runner: claim run %s", run.ID)
	}
	if !claimed {
		log.Info("run not claimable, skipping delivery", zap.String("status", string(run.Status)))
		return nil
	}
	run.Status = model.RunStatusInProgress
	run.StartedAt = &startedAt

	pr, files, err := r.fetchPullRequest(ctx, run)
	if err != nil {
		// The review engine is never invoked when the PR cannot be
		// fetched.
		log.Warn("pull request fetch failed", zap.Error(err))
		return r.fail(ctx, run, err)
	}

	// Resolve once and freeze. Publishing later reuses this snapshot,
	// never a fresh resolution.
	pol := r.resolver.Resolve(ctx, policy.Repository{
		FullName:    run.RepoFullName,
		Branch:      pr.BaseRef,
		StoredRules: storedRules(run),
	})
	run.Policy = pol.Clone()

	result, err := r.engine.Review(ctx, model.ReviewContext{
		Run:          run,
		RepoFullName: run.RepoFullName,
		Policy:       run.Policy,
		PullRequest:  *pr,
		Files:        files,
	})
	if err != nil {
		log.Warn("review failed", zap.Error(err))
		return r.fail(ctx, run, err)
	}

	// Findings are durable before the run reports success.
	if _, err := r.store.CreateFindings(ctx, run.ID, result.Findings); err != nil {
		log.Error("persisting findings failed", zap.Error(err))
		return r.fail(ctx, run, err)
	}

	run.Status = model.RunStatusCompleted
	run.Metrics = result.Metrics
	if run.Metadata == nil {
		run.Metadata = make(map[string]any)
	}
	run.Metadata["summary"] = result.Summary
	r.finishTiming(run)
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return eris.Wrapf(err, "runner: complete run %s", run.ID)
	}

	log.Info("run completed",
		zap.Int("findings", len(result.Findings)),
		zap.Int("tokens", result.Metrics.TokensUsedEstimated),
		zap.Float64("duration_seconds", run.DurationSeconds))

	// Publishing is always deferred to its own task so the idempotency
	// guard protects against double-posting under redelivery.
	if _, err := r.queue.Enqueue(ctx, queue.KindAnnotationsPublish, TaskPayload{RunID: run.ID}); err != nil {
		log.Error("failed to enqueue publish task", zap.Error(err))
	}
	return nil
}

func (r *Runner) fetchPullRequest(ctx context.Context, run *model.Run) (*model.PullRequestInfo, []model.ChangedFile, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.ghTimeout)
	defer cancel()

	pr, err := r.gh.GetPullRequest(callCtx, run.RepoFullName, run.PRNumber)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "fetch PR %s#%d", run.RepoFullName, run.PRNumber)
	}

	filesCtx, cancelFiles := context.WithTimeout(ctx, r.ghTimeout)
	defer cancelFiles()

	changed, err := r.gh.ListChangedFiles(filesCtx, run.RepoFullName, run.PRNumber)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "list changed files %s#%d", run.RepoFullName, run.PRNumber)
	}

	info := &model.PullRequestInfo{
		Number:    pr.Number,
		Title:     pr.Title,
		Body:      pr.Body,
		BaseRef:   pr.BaseRef,
		HeadRef:   pr.HeadRef,
		HeadSHA:   pr.HeadSHA,
		Author:    pr.Author,
		Additions: pr.Additions,
		Deletions: pr.Deletions,
	}
	files := make([]model.ChangedFile, len(changed))
	for i, f := range changed {
		files[i] = model.ChangedFile{
			Path:      f.Path,
			Status:    f.Status,
			Additions: f.Additions,
			Deletions: f.Deletions,
			Patch:     f.Patch,
		}
	}
	return info, files, nil
}

// fail records the error on the run and transitions it to failed. A
// failed run keeps its policy snapshot and never has findings from the
// failed attempt.
func (r *Runner) fail(ctx context.Context, run *model.Run, cause error) error {
	run.Status = model.RunStatusFailed
	run.Error = truncateError(cause)
	r.finishTiming(run)
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return eris.Wrapf(err, "runner: record failure for run %s", run.ID)
	}
	return nil
}

func (r *Runner) finishTiming(run *model.Run) {
	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	if run.StartedAt != nil {
		run.DurationSeconds = completedAt.Sub(*run.StartedAt).Seconds()
	}
}

// storedRules pulls the repository's review rules out of the run
// metadata, where ingestion stashed them.
func storedRules(run *model.Run) map[string]any {
	if run.Metadata == nil {
		return nil
	}
	rules, _ := run.Metadata["review_rules"].(map[string]any)
	return rules
}

const maxErrorLen = 500

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen] + "..."
	}
	return msg
}
