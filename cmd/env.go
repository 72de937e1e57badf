package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pullcrit/pullcrit/internal/monitoring"
	"github.com/pullcrit/pullcrit/internal/policy"
	"github.com/pullcrit/pullcrit/internal/publish"
	"github.com/pullcrit/pullcrit/internal/queue"
	"github.com/pullcrit/pullcrit/internal/resilience"
	"github.com/pullcrit/pullcrit/internal/review"
	"github.com/pullcrit/pullcrit/internal/runner"
	"github.com/pullcrit/pullcrit/internal/server"
	"github.com/pullcrit/pullcrit/internal/store"
	"github.com/pullcrit/pullcrit/internal/webhook"
	"github.com/pullcrit/pullcrit/pkg/anthropic"
	"github.com/pullcrit/pullcrit/pkg/github"
)

// pipelineEnv bundles the wired services a long-running command needs.
type pipelineEnv struct {
	Store     store.Store
	Queue     *queue.Queue
	Server    *server.Server
	Collector *monitoring.Collector
}

// Close drains the queue and releases the store.
func (e *pipelineEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), queueDrainTimeout())
	defer cancel()
	if err := e.Queue.Shutdown(ctx); err != nil {
		zap.L().Warn("queue shutdown incomplete", zap.Error(err))
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

func queueDrainTimeout() time.Duration {
	secs := cfg.Queue.DrainTimeoutSecs
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// initStore opens the configured database backend. Postgres startup
// waits through transient connection errors; a fresh container can
// take a few seconds to accept connections.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		var st store.Store
		err := resilience.Do(ctx, resilience.RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			OnRetry:        resilience.RetryLogger("postgres", "connect"),
		}, func(ctx context.Context) error {
			s, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
			if err != nil {
				return err
			}
			st = s
			return nil
		})
		return st, err
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initPipeline wires store, queue, GitHub and Anthropic clients, the
// run executor, the annotation publisher, and the HTTP surface.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate")
	}

	gh := github.NewClient(cfg.GitHub.Token, cfg.GitHub.PostsPerSecond)
	engine := review.NewAnthropicEngine(anthropic.NewClient(cfg.Anthropic.Key), review.Options{
		Model:           cfg.Anthropic.Model,
		MaxTokens:       int64(cfg.Anthropic.MaxTokens),
		Timeout:         time.Duration(cfg.Anthropic.TimeoutSecs) * time.Second,
		PatchByteBudget: cfg.Anthropic.PatchByteBudget,
	})

	ghTimeout := time.Duration(cfg.GitHub.CallTimeoutSecs) * time.Second
	resolver := policy.NewResolver(gh, cfg.Review.ConfigFileName, ghTimeout)

	q := queue.New(queue.Options{
		Workers:    cfg.Queue.Workers,
		BufferSize: cfg.Queue.BufferSize,
		MaxDeliver: cfg.Queue.MaxDeliver,
		Retry: resilience.RetryConfig{
			InitialBackoff: time.Duration(cfg.Queue.RetryBaseMS) * time.Millisecond,
		},
	})

	run := runner.New(st, gh, resolver, engine, q, ghTimeout)
	q.Handle(queue.KindRunExecute, run.Handler())

	pub := publish.NewPublisher(st, gh)
	q.Handle(queue.KindAnnotationsPublish, pub.Handler())

	webhooks := webhook.NewService(st, q, webhook.Settings{
		AutoReview:     cfg.Review.AutoReview,
		HasProviderKey: cfg.Anthropic.Key != "",
		MaxRunsPerHour: cfg.Review.MaxRunsPerHour,
		StoredRules:    cfg.Review.Rules,
	})

	collector := monitoring.NewCollector(st)
	srv := server.New(st, webhooks, collector, q, cfg.Server.WebhookSecret, splitOrigins(cfg.Server.AllowedOrigins))

	return &pipelineEnv{Store: st, Queue: q, Server: srv, Collector: collector}, nil
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
