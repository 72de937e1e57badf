// Package github wraps the go-github library behind the narrow client
// interface the review pipeline needs: PR context fetching, in-repo
// config retrieval, and comment posting.
package github

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client defines the GitHub API operations used by the pipeline.
type Client interface {
	GetPullRequest(ctx context.Context, repoFullName string, number int) (*PullRequest, error)
	ListChangedFiles(ctx context.Context, repoFullName string, number int) ([]ChangedFile, error)
	GetFileContent(ctx context.Context, repoFullName, path, ref string) ([]byte, error)
	CreateIssueComment(ctx context.Context, repoFullName string, number int, body string) (int64, error)
	CreateReviewComment(ctx context.Context, repoFullName string, number int, c ReviewComment) (int64, error)
}

// PullRequest is the PR metadata subset the pipeline consumes.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	BaseRef   string
	HeadRef   string
	HeadSHA   string
	Author    string
	Additions int
	Deletions int
}

// ChangedFile is one file in the PR diff.
type ChangedFile struct {
	Path      string
	Status    string
	Additions int
	Deletions int
	Patch     string
}

// ReviewComment is an inline comment anchored to a diff position.
type ReviewComment struct {
	CommitSHA string
	Path      string
	Line      int
	Body      string
}

// apiClient implements Client using go-github with the transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (REST client with token auth)
//
// Write calls additionally pass through a local token-bucket limiter so
// bulk annotation posting stays under GitHub's abuse thresholds.
type apiClient struct {
	gh          *gh.Client
	postLimiter *rate.Limiter
}

// NewClient creates a GitHub client authenticated with a token.
// postsPerSecond bounds comment-posting throughput; values <= 0
// disable the local limiter.
func NewClient(token string, postsPerSecond int) Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient).WithAuthToken(token)

	return &apiClient{
		gh:          client,
		postLimiter: newPostLimiter(postsPerSecond),
	}
}

// NewClientWithHTTPClient creates a Client against a custom base URL.
// Intended for tests with an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) (Client, error) {
	client := gh.NewClient(httpClient)

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, eris.Wrap(err, "github: parse base URL")
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	client.BaseURL = u

	return &apiClient{gh: client, postLimiter: newPostLimiter(0)}, nil
}

func newPostLimiter(postsPerSecond int) *rate.Limiter {
	if postsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(postsPerSecond), 1)
}

// ErrMalformedRepo is returned when a repository identifier is not of
// the form "owner/repo".
var ErrMalformedRepo = eris.New("github: malformed repository identifier")

// SplitRepo splits "owner/repo" into its parts.
func SplitRepo(repoFullName string) (string, string, error) {
	parts := strings.SplitN(repoFullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", eris.Wrapf(ErrMalformedRepo, "%q", repoFullName)
	}
	return parts[0], parts[1], nil
}

func (c *apiClient) GetPullRequest(ctx context.Context, repoFullName string, number int) (*PullRequest, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, eris.Wrapf(err, "github: get pull request %s#%d", repoFullName, number)
	}

	return &PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		BaseRef:   pr.GetBase().GetRef(),
		HeadRef:   pr.GetHead().GetRef(),
		HeadSHA:   pr.GetHead().GetSHA(),
		Author:    pr.GetUser().GetLogin(),
		Additions: pr.GetAdditions(),
		Deletions: pr.GetDeletions(),
	}, nil
}

func (c *apiClient) ListChangedFiles(ctx context.Context, repoFullName string, number int) ([]ChangedFile, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	opts := &gh.ListOptions{PerPage: 100}
	var files []ChangedFile
	for {
		page, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, eris.Wrapf(err, "github: list files %s#%d (page %d)", repoFullName, number, opts.Page)
		}
		for _, f := range page {
			files = append(files, ChangedFile{
				Path:      f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
				Patch:     f.GetPatch(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

func (c *apiClient) GetFileContent(ctx context.Context, repoFullName, path, ref string) ([]byte, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	content, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path,
		&gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, eris.Wrapf(err, "github: get contents %s:%s@%s", repoFullName, path, ref)
	}
	if content == nil {
		return nil, eris.Errorf("github: %s:%s is not a file", repoFullName, path)
	}

	decoded, err := content.GetContent()
	if err != nil {
		return nil, eris.Wrapf(err, "github: decode contents %s:%s", repoFullName, path)
	}
	return []byte(decoded), nil
}

func (c *apiClient) CreateIssueComment(ctx context.Context, repoFullName string, number int, body string) (int64, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return 0, err
	}
	if err := c.postLimiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "github: post limiter")
	}

	comment, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number,
		&gh.IssueComment{Body: gh.Ptr(body)})
	if err != nil {
		return 0, eris.Wrapf(err, "github: create comment on %s#%d", repoFullName, number)
	}

	zap.L().Debug("github: issue comment created",
		zap.String("repo", repoFullName),
		zap.Int("pr", number),
		zap.Int64("comment_id", comment.GetID()),
	)
	return comment.GetID(), nil
}

func (c *apiClient) CreateReviewComment(ctx context.Context, repoFullName string, number int, rc ReviewComment) (int64, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return 0, err
	}
	if err := c.postLimiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "github: post limiter")
	}

	comment, _, err := c.gh.PullRequests.CreateComment(ctx, owner, repo, number, &gh.PullRequestComment{
		CommitID: gh.Ptr(rc.CommitSHA),
		Path:     gh.Ptr(rc.Path),
		Line:     gh.Ptr(rc.Line),
		Side:     gh.Ptr("RIGHT"),
		Body:     gh.Ptr(rc.Body),
	})
	if err != nil {
		return 0, eris.Wrapf(err, "github: create review comment on %s#%d %s:%d",
			repoFullName, number, rc.Path, rc.Line)
	}

	zap.L().Debug("github: review comment created",
		zap.String("repo", repoFullName),
		zap.Int("pr", number),
		zap.String("path", rc.Path),
		zap.Int64("comment_id", comment.GetID()),
	)
	return comment.GetID(), nil
}
