// Package monitoring aggregates run statistics for the metrics
// endpoint and the CLI.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/internal/store"
)

// MetricsSnapshot holds a point-in-time view of review activity.
type MetricsSnapshot struct {
	// Run counts within the lookback window.
	RunsTotal      int     `json:"runs_total"`
	RunsCompleted  int     `json:"runs_completed"`
	RunsFailed     int     `json:"runs_failed"`
	RunsQueued     int     `json:"runs_queued"`
	RunsInProgress int     `json:"runs_in_progress"`
	RunsSkipped    int     `json:"runs_skipped"`
	FailRate       float64 `json:"fail_rate"`

	// Review volume within the window.
	TokensUsed         int     `json:"tokens_used"`
	AnnotationsPosted  int     `json:"annotations_posted"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalDuration float64
	var timedRuns int
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusQueued:
			snap.RunsQueued++
		case model.RunStatusInProgress:
			snap.RunsInProgress++
		case model.RunStatusSkipped:
			snap.RunsSkipped++
		}

		snap.TokensUsed += r.Metrics.TokensUsedEstimated
		if r.DurationSeconds > 0 {
			totalDuration += r.DurationSeconds
			timedRuns++
		}

		if r.Status != model.RunStatusCompleted {
			continue
		}
		posted, err := c.store.CountAnnotations(ctx, r.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count annotations for run %s", r.ID)
		}
		snap.AnnotationsPosted += posted
	}

	// Skipped runs never attempted a review, so they stay out of the
	// failure rate.
	attempted := snap.RunsCompleted + snap.RunsFailed
	if attempted > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(attempted)
	}
	if timedRuns > 0 {
		snap.AvgDurationSeconds = totalDuration / float64(timedRuns)
	}
	return snap, nil
}
