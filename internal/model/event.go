package model

// PullRequestEvent is the inbound webhook payload subset the pipeline
// consumes, mirroring the hosting provider's wire shape.
type PullRequestEvent struct {
	Action string `json:"action"`

	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`

	Repository struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`

	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Base   struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`

	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// reviewActions are the PR actions that trigger a new review run.
var reviewActions = map[string]struct{}{
	"opened":      {},
	"synchronize": {},
	"reopened":    {},
}

// metadataActions trigger a metadata sync without a run.
var metadataActions = map[string]struct{}{
	"labeled":                {},
	"unlabeled":              {},
	"assigned":               {},
	"unassigned":             {},
	"review_requested":       {},
	"review_request_removed": {},
	"converted_to_draft":     {},
	"ready_for_review":       {},
}

// TriggersReview reports whether the event action starts a review run.
func (e *PullRequestEvent) TriggersReview() bool {
	_, ok := reviewActions[e.Action]
	return ok
}

// TriggersMetadataSync reports whether the event action only syncs PR
// metadata.
func (e *PullRequestEvent) TriggersMetadataSync() bool {
	_, ok := metadataActions[e.Action]
	return ok
}

// ExternalRef derives the dedup key for the event.
func (e *PullRequestEvent) ExternalRef() string {
	return ExternalReference(e.PullRequest.Number, e.PullRequest.Head.SHA)
}
