package webhook

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/internal/queue"
	"github.com/pullcrit/pullcrit/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestQueue(t *testing.T) (*queue.Queue, *atomic.Int32) {
	t.Helper()
	q := queue.New(queue.Options{Workers: 1, MaxDeliver: 1})
	var executed atomic.Int32
	q.Handle(queue.KindRunExecute, func(ctx context.Context, task queue.Task) error {
		executed.Add(1)
		return nil
	})
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return q, &executed
}

func allowAll() Settings {
	return Settings{AutoReview: true, HasProviderKey: true}
}

func prEvent(action string, number int, sha string) *model.PullRequestEvent {
	e := &model.PullRequestEvent{Action: action}
	e.Installation.ID = 12
	e.Repository.ID = 9001
	e.Repository.FullName = "acme/widgets"
	e.PullRequest.Number = number
	e.PullRequest.Title = "Add retries"
	e.PullRequest.Base.Ref = "main"
	e.PullRequest.Head.Ref = "fix"
	e.PullRequest.Head.SHA = sha
	return e
}

func TestHandleEventCreatesAndEnqueuesRun(t *testing.T) {
	s := newTestStore(t)
	q, executed := newTestQueue(t)
	svc := NewService(s, q, allowAll())

	out, err := svc.HandleEvent(context.Background(), prEvent("opened", 7, "sha1"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, out.Status)
	require.NotEmpty(t, out.RunID)

	run, err := s.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "gh-install-12", run.WorkspaceID)
	assert.Equal(t, "acme/widgets", run.RepoFullName)
	assert.Equal(t, model.ExternalReference(7, "sha1"), run.ExternalRef)

	require.Eventually(t, func() bool { return executed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandleEventReplayDoesNotCreateSecondRun(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	svc := NewService(s, q, allowAll())
	ctx := context.Background()

	first, err := svc.HandleEvent(ctx, prEvent("opened", 7, "sha1"))
	require.NoError(t, err)

	replay, err := svc.HandleEvent(ctx, prEvent("opened", 7, "sha1"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.RunID, replay.RunID)

	runs, err := s.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestHandleEventNewHeadSHACreatesNewRun(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	svc := NewService(s, q, allowAll())
	ctx := context.Background()

	_, err := svc.HandleEvent(ctx, prEvent("opened", 7, "sha1"))
	require.NoError(t, err)
	out, err := svc.HandleEvent(ctx, prEvent("synchronize", 7, "sha2"))
	require.NoError(t, err)
	assert.False(t, out.Duplicate)

	runs, err := s.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestHandleEventAutoReviewDisabled(t *testing.T) {
	s := newTestStore(t)
	q, executed := newTestQueue(t)
	svc := NewService(s, q, Settings{AutoReview: false, HasProviderKey: true})

	out, err := svc.HandleEvent(context.Background(), prEvent("opened", 7, "sha1"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSkipped, out.Status)
	assert.Equal(t, "auto reviews disabled", out.Reason)

	run, err := s.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSkipped, run.Status)
	assert.Equal(t, "auto reviews disabled", run.Metadata["skip_reason"])
	assert.Zero(t, executed.Load())
}

func TestHandleEventMissingProviderKey(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	svc := NewService(s, q, Settings{AutoReview: true, HasProviderKey: false})

	out, err := svc.HandleEvent(context.Background(), prEvent("opened", 7, "sha1"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSkipped, out.Status)
	assert.Contains(t, out.Reason, "API key")
}

func TestHandleEventPlanLimit(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	settings := allowAll()
	settings.MaxRunsPerHour = 1
	svc := NewService(s, q, settings)
	ctx := context.Background()

	first, err := svc.HandleEvent(ctx, prEvent("opened", 7, "sha1"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, first.Status)

	second, err := svc.HandleEvent(ctx, prEvent("opened", 8, "sha2"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSkipped, second.Status)
	assert.Contains(t, second.Reason, "limit")
}

func TestHandleEventMetadataAction(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	svc := NewService(s, q, allowAll())

	out, err := svc.HandleEvent(context.Background(), prEvent("labeled", 7, "sha1"))
	require.NoError(t, err)
	assert.Empty(t, out.RunID)
	assert.Equal(t, "metadata sync", out.Reason)

	runs, err := s.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestHandleEventIgnoredAction(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	svc := NewService(s, q, allowAll())

	out, err := svc.HandleEvent(context.Background(), prEvent("closed", 7, "sha1"))
	require.NoError(t, err)
	assert.Empty(t, out.RunID)
	assert.Contains(t, out.Reason, "does not trigger")
}

func TestHandleEventStoredRulesStashed(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	settings := allowAll()
	settings.StoredRules = map[string]any{"tone": "terse"}
	svc := NewService(s, q, settings)

	out, err := svc.HandleEvent(context.Background(), prEvent("opened", 7, "sha1"))
	require.NoError(t, err)

	run, err := s.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	rules, ok := run.Metadata["review_rules"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "terse", rules["tone"])
}

func TestHandleEventMetadataSyncCallback(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	settings := allowAll()

	var synced []string
	settings.MetadataSync = func(ctx context.Context, event *model.PullRequestEvent) error {
		synced = append(synced, event.Action)
		return nil
	}
	svc := NewService(s, q, settings)

	out, err := svc.HandleEvent(context.Background(), prEvent("labeled", 7, "sha1"))
	require.NoError(t, err)
	assert.Equal(t, "metadata sync", out.Reason)
	assert.Equal(t, []string{"labeled"}, synced)

	// Review actions never hit the sync callback.
	_, err = svc.HandleEvent(context.Background(), prEvent("opened", 7, "sha1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"labeled"}, synced)
}

func TestHandleEventMetadataSyncErrorNotFatal(t *testing.T) {
	s := newTestStore(t)
	q, _ := newTestQueue(t)
	settings := allowAll()
	settings.MetadataSync = func(ctx context.Context, event *model.PullRequestEvent) error {
		return eris.New("repo cache refresh failed")
	}
	svc := NewService(s, q, settings)

	out, err := svc.HandleEvent(context.Background(), prEvent("unlabeled", 7, "sha1"))
	require.NoError(t, err)
	assert.Equal(t, "metadata sync", out.Reason)
}
