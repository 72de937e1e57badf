// Package publish selects which findings are worth posting and posts
// them to the pull request as review comments.
package publish

import (
	"sort"

	"github.com/pullcrit/pullcrit/internal/model"
)

// SelectFindings returns the findings eligible for publication, most
// severe first. Findings below the policy's comment threshold or
// without a file/line anchor are dropped, and the result is truncated
// to the inline comment budget. The sort is stable so ties keep the
// engine's emission order, and truncation always keeps the most severe
// items.
func SelectFindings(findings []model.Finding, policy *model.ReviewPolicy) []model.Finding {
	threshold := policy.CommentSeverityThreshold()

	eligible := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		if !f.Severity.AtLeast(threshold) {
			continue
		}
		if !f.Anchored() {
			continue
		}
		eligible = append(eligible, f)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Severity.Rank() > eligible[j].Severity.Rank()
	})

	if max := policy.MaxInlineComments(); len(eligible) > max {
		eligible = eligible[:max]
	}
	return eligible
}
