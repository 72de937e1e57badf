package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/internal/policy"
	"github.com/pullcrit/pullcrit/internal/queue"
	"github.com/pullcrit/pullcrit/internal/resilience"
	"github.com/pullcrit/pullcrit/internal/review"
	"github.com/pullcrit/pullcrit/internal/store"
	"github.com/pullcrit/pullcrit/pkg/github"
)

type fakeGitHub struct {
	github.Client
	pr       *github.PullRequest
	files    []github.ChangedFile
	fetchErr error
}

func (f *fakeGitHub) GetPullRequest(ctx context.Context, repoFullName string, number int) (*github.PullRequest, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.pr, nil
}

func (f *fakeGitHub) ListChangedFiles(ctx context.Context, repoFullName string, number int) ([]github.ChangedFile, error) {
	return f.files, nil
}

func (f *fakeGitHub) GetFileContent(ctx context.Context, repoFullName, path, ref string) ([]byte, error) {
	return nil, eris.New("404 not found")
}

type fakeEngine struct {
	result *model.ReviewResult
	err    error
	calls  int
	gotRC  model.ReviewContext
}

func (f *fakeEngine) Review(ctx context.Context, rc model.ReviewContext) (*model.ReviewResult, error) {
	f.calls++
	f.gotRC = rc
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type harness struct {
	store  store.Store
	gh     *fakeGitHub
	engine *fakeEngine
	queue  *queue.Queue
	runner *Runner

	published []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store: s,
		gh: &fakeGitHub{
			pr: &github.PullRequest{
				Number: 7, Title: "Add retries", BaseRef: "main", HeadRef: "fix", HeadSHA: "headsha",
			},
			files: []github.ChangedFile{{Path: "uploader.go", Status: "modified", Patch: "@@ -1 +1 @@\n+x"}},
		},
		engine: &fakeEngine{result: &model.ReviewResult{
			Summary: model.ReviewSummary{Overview: "Fine.", RiskLevel: "low", Recommendations: []string{}},
			Findings: []model.Finding{{
				Severity: model.SeverityHigh, Category: model.CategoryCorrectness,
				Title: "Missing timeout", FilePath: "uploader.go", LineStart: 2, Confidence: 0.8,
			}},
			Metrics: model.RunMetrics{TokensUsedEstimated: 1500, Provider: "anthropic"},
		}},
		queue: queue.New(queue.Options{Workers: 1, MaxDeliver: 1, Retry: resilience.RetryConfig{InitialBackoff: time.Millisecond}}),
	}
	h.queue.Handle(queue.KindAnnotationsPublish, func(ctx context.Context, task queue.Task) error {
		h.published = append(h.published, task.Kind)
		return nil
	})
	h.queue.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.queue.Shutdown(ctx)
	})

	resolver := policy.NewResolver(h.gh, ".pullcrit.yml", time.Second)
	h.runner = New(s, h.gh, resolver, h.engine, h.queue, time.Second)
	return h
}

func (h *harness) seedRun(t *testing.T) *model.Run {
	t.Helper()
	run, err := h.store.CreateRun(context.Background(), &model.Run{
		WorkspaceID:  "ws-1",
		RepositoryID: "repo-1",
		ExternalRef:  model.ExternalReference(7, "headsha"),
		RepoFullName: "acme/widgets",
		PRNumber:     7,
		HeadSHA:      "headsha",
	})
	require.NoError(t, err)
	return run
}

func TestExecuteCompletesRun(t *testing.T) {
	h := newHarness(t)
	run := h.seedRun(t)
	ctx := context.Background()

	require.NoError(t, h.runner.Execute(ctx, run.ID))

	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 1500, got.Metrics.TokensUsedEstimated)
	require.NotNil(t, got.CompletedAt)
	assert.Greater(t, got.DurationSeconds, 0.0)

	// Policy snapshot frozen on the run.
	require.NotNil(t, got.Policy)
	assert.Equal(t, model.SeverityLow, got.Policy.CommentSeverityThreshold())

	findings, err := h.store.ListFindings(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "Missing timeout", findings[0].Title)

	// Engine saw the diff and the frozen policy.
	assert.Equal(t, 1, h.engine.calls)
	assert.Equal(t, "acme/widgets", h.engine.gotRC.RepoFullName)
	require.Len(t, h.engine.gotRC.Files, 1)
}

func TestExecuteEnqueuesPublishTask(t *testing.T) {
	h := newHarness(t)
	run := h.seedRun(t)

	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	require.Eventually(t, func() bool {
		return len(h.published) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecutePRFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.gh.fetchErr = eris.New("404 pull request not found")
	run := h.seedRun(t)
	ctx := context.Background()

	require.NoError(t, h.runner.Execute(ctx, run.ID))

	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "404")
	require.NotNil(t, got.CompletedAt)

	// The engine was never invoked and no findings exist.
	assert.Zero(t, h.engine.calls)
	findings, err := h.store.ListFindings(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestExecuteUnparsableReviewFailsRun(t *testing.T) {
	h := newHarness(t)
	h.engine.err = review.ErrUnparsableResponse
	run := h.seedRun(t)
	ctx := context.Background()

	require.NoError(t, h.runner.Execute(ctx, run.ID))

	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "unparsable")

	findings, err := h.store.ListFindings(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, findings, "a failed review never persists findings")
}

func TestExecuteRedeliveryIsNoOp(t *testing.T) {
	h := newHarness(t)
	run := h.seedRun(t)
	ctx := context.Background()

	require.NoError(t, h.runner.Execute(ctx, run.ID))
	require.NoError(t, h.runner.Execute(ctx, run.ID))

	// Second delivery could not claim the terminal run.
	assert.Equal(t, 1, h.engine.calls)
	findings, err := h.store.ListFindings(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestExecuteMissingRun(t *testing.T) {
	h := newHarness(t)

	err := h.runner.Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoredRulesFromMetadata(t *testing.T) {
	run := &model.Run{Metadata: map[string]any{
		"review_rules": map[string]any{"tone": "terse"},
	}}
	rules := storedRules(run)
	assert.Equal(t, "terse", rules["tone"])

	assert.Nil(t, storedRules(&model.Run{}))
}
