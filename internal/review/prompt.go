package review

import (
	"fmt"
	"strings"

	"github.com/pullcrit/pullcrit/internal/model"
)

const responseSchema = `Respond with a single JSON object and nothing else:
{
  "summary": {
    "overview": "one-paragraph assessment of the change",
    "risk_level": "low|medium|high|critical",
    "recommendations": ["optional follow-up suggestions"]
  },
  "findings": [
    {
      "severity": "info|low|medium|high|critical",
      "category": "security|correctness|performance|maintainability|style|testing|documentation",
      "title": "short imperative title",
      "description": "what is wrong",
      "rationale": "why it matters",
      "confidence": 0.0,
      "file_path": "path/from/repo/root.go",
      "line_start": 0,
      "line_end": 0,
      "suggestion": "optional replacement code"
    }
  ]
}
Only report findings inside the changed lines of the diff. Use file_path
and line_start from the new side of the patch so comments can be anchored.`

// buildSystemPrompt renders the reviewer persona from the policy.
func buildSystemPrompt(policy *model.ReviewPolicy) string {
	var b strings.Builder
	b.WriteString("You are an expert code reviewer for pull requests.\n")
	fmt.Fprintf(&b, "Review tone: %s. Write findings in language %q.\n", policy.Tone, policy.Language)

	if len(policy.EnabledRules) > 0 {
		fmt.Fprintf(&b, "Only report findings in these categories: %s.\n", strings.Join(policy.EnabledRules, ", "))
	}
	if len(policy.Focus) > 0 {
		fmt.Fprintf(&b, "Pay particular attention to: %s.\n", strings.Join(policy.Focus, ", "))
	}
	fmt.Fprintf(&b, "Do not report findings below severity %s.\n", policy.CommentSeverityThreshold())

	b.WriteString("\n")
	b.WriteString(responseSchema)
	return b.String()
}

// buildUserPrompt renders the PR metadata and diff. Patches are included
// until the byte budget runs out; remaining files are listed by name so
// the model knows the diff is truncated.
func buildUserPrompt(rc model.ReviewContext, patchBudget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", rc.RepoFullName)
	fmt.Fprintf(&b, "Pull request #%d: %s\n", rc.PullRequest.Number, rc.PullRequest.Title)
	fmt.Fprintf(&b, "Branches: %s <- %s\n", rc.PullRequest.BaseRef, rc.PullRequest.HeadRef)
	if body := strings.TrimSpace(rc.PullRequest.Body); body != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", body)
	}

	remaining := patchBudget
	var omitted []string
	b.WriteString("\nChanged files:\n")
	for _, f := range rc.Files {
		if ignored(rc.Policy, f.Path) {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s (%s, +%d -%d)\n", f.Path, f.Status, f.Additions, f.Deletions)
		if f.Patch == "" {
			continue
		}
		if remaining <= 0 {
			omitted = append(omitted, f.Path)
			continue
		}
		patch := f.Patch
		if len(patch) > remaining {
			patch = patch[:remaining] + "\n[patch truncated]"
		}
		remaining -= len(f.Patch)
		b.WriteString(patch)
		b.WriteString("\n")
	}
	if len(omitted) > 0 {
		fmt.Fprintf(&b, "\nPatches omitted for size: %s\n", strings.Join(omitted, ", "))
	}
	return b.String()
}

// ignored reports whether a path matches the policy's ignored globs.
func ignored(policy *model.ReviewPolicy, path string) bool {
	return policy != nil && policy.PathIgnored(path)
}
