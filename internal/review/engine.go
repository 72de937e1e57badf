// Package review turns a pull-request diff into normalized findings via
// a single AI completion.
package review

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/pkg/anthropic"
)

// Engine produces a review result for one pull request. Implementations
// make exactly one completion call per invocation; retries belong to the
// queue, not here.
type Engine interface {
	Review(ctx context.Context, rc model.ReviewContext) (*model.ReviewResult, error)
}

// Options tunes the Anthropic-backed engine.
type Options struct {
	Model           string
	MaxTokens       int64
	Timeout         time.Duration
	PatchByteBudget int
}

func (o *Options) applyDefaults() {
	if o.Model == "" {
		o.Model = "claude-sonnet-4-5-20250929"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 8192
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.PatchByteBudget <= 0 {
		o.PatchByteBudget = 96 * 1024
	}
}

// AnthropicEngine implements Engine on the Anthropic messages API.
type AnthropicEngine struct {
	client anthropic.Client
	opts   Options
}

func NewAnthropicEngine(client anthropic.Client, opts Options) *AnthropicEngine {
	opts.applyDefaults()
	return &AnthropicEngine{client: client, opts: opts}
}

func (e *AnthropicEngine) Review(ctx context.Context, rc model.ReviewContext) (*model.ReviewResult, error) {
	start := time.Now()
	runID := ""
	if rc.Run != nil {
		runID = rc.Run.ID
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	temperature := 0.2
	resp, err := e.client.CreateMessage(callCtx, anthropic.MessageRequest{
		Model:     e.opts.Model,
		MaxTokens: e.opts.MaxTokens,
		System:    buildSystemPrompt(rc.Policy),
		Messages: []anthropic.Message{
			{Role: "user", Content: buildUserPrompt(rc, e.opts.PatchByteBudget)},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "review: completion for %s#%d", rc.RepoFullName, rc.PullRequest.Number)
	}

	result, err := ParseResult(resp.Text())
	if err != nil {
		return nil, err
	}

	respModel := resp.Model
	if respModel == "" {
		respModel = e.opts.Model
	}
	result.Metrics = model.RunMetrics{
		TokensUsedEstimated: resp.Usage.Total(),
		InputTokens:         resp.Usage.InputTokens,
		OutputTokens:        resp.Usage.OutputTokens,
		Provider:            "anthropic",
		Model:               respModel,
		ReviewDurationMS:    time.Since(start).Milliseconds(),
	}
	resp.Usage.LogCost(respModel, runID)

	zap.L().Info("review completed",
		zap.String("run_id", runID),
		zap.String("repo", rc.RepoFullName),
		zap.Int("pr_number", rc.PullRequest.Number),
		zap.Int("findings", len(result.Findings)),
		zap.String("risk_level", result.Summary.RiskLevel),
		zap.Int("tokens", result.Metrics.TokensUsedEstimated))
	return result, nil
}
