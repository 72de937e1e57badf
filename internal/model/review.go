package model

// ReviewSummary is the narrative portion of a review result.
type ReviewSummary struct {
	Overview        string   `json:"overview"`
	RiskLevel       string   `json:"risk_level"`
	Recommendations []string `json:"recommendations"`
}

// ReviewResult is the normalized output of one review engine invocation.
type ReviewResult struct {
	Summary  ReviewSummary `json:"summary"`
	Findings []Finding     `json:"findings"`
	Metrics  RunMetrics    `json:"metrics"`
}

// PullRequestInfo is the metadata the pipeline needs about the PR under
// review, resolved from the hosting provider before the engine runs.
type PullRequestInfo struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	BaseRef   string `json:"base_ref"`
	HeadRef   string `json:"head_ref"`
	HeadSHA   string `json:"head_sha"`
	Author    string `json:"author,omitempty"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// ChangedFile is one file in the PR diff, with its patch hunk.
type ChangedFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // added, modified, removed, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// ReviewContext bundles everything the engine needs for one invocation.
type ReviewContext struct {
	Run          *Run
	RepoFullName string
	Policy       *ReviewPolicy
	PullRequest  PullRequestInfo
	Files        []ChangedFile
}
