// Package github wraps the GitHub REST API for the branch workers: pull
// request lifecycle, branch management, labels, comments and CI status on the
// downstream repositories.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"
)

// ErrNewPRWithNoChange is returned by CreatePR when the host rejects the pull
// request because head and base are identical.
var ErrNewPRWithNoChange = errors.New("pull request has no changes against its base")

// Status is the aggregate CI verdict of one head commit.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusWarning  Status = "warning"
	StatusFailure  Status = "failure"
	// StatusConflict is synthesized locally when a series fails to apply;
	// the host never reports it.
	StatusConflict Status = "conflict"
)

// ConnectorConfig carries the constructor parameters for Connector.
type ConnectorConfig struct {
	// RepoURL is the https URL of the downstream repository.
	RepoURL string
	// OauthToken authenticates as a user or machine account. Mutually
	// exclusive with AppAuth.
	OauthToken string
	// AppAuth authenticates as a GitHub App installation.
	AppAuth *AppAuth
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
	// HTTPClient overrides the transport, used by tests. When set, no
	// authentication or rate-limit middleware is installed.
	HTTPClient *http.Client
}

// Connector is a per-repository GitHub client bound to the account the
// daemon operates as.
type Connector struct {
	client *gh.Client
	owner  string
	repo   string
	login  string
	url    string
	tokens oauth2.TokenSource
}

// NewConnector builds a connector for one downstream repository and resolves
// the authenticated login, which the workers use to recognize their own pull
// requests.
func NewConnector(ctx context.Context, cfg ConnectorConfig) (*Connector, error) {
	owner, repo, err := ParseRepoURL(cfg.RepoURL)
	if err != nil {
		return nil, err
	}

	client, tokens, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("resolving authenticated user: %w", err)
	}

	return &Connector{
		client: client,
		owner:  owner,
		repo:   repo,
		login:  user.GetLogin(),
		url:    cfg.RepoURL,
		tokens: tokens,
	}, nil
}

func newClient(ctx context.Context, cfg ConnectorConfig) (*gh.Client, oauth2.TokenSource, error) {
	var client *gh.Client
	var tokens oauth2.TokenSource
	switch {
	case cfg.HTTPClient != nil:
		client = gh.NewClient(cfg.HTTPClient)
	case cfg.AppAuth != nil:
		source, err := NewAppTokenSource(ctx, *cfg.AppAuth, cfg.BaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("building app token source: %w", err)
		}
		client = gh.NewClient(github_ratelimit.NewClient(oauth2.NewClient(ctx, source).Transport))
		tokens = source
	case cfg.OauthToken != "":
		client = gh.NewClient(github_ratelimit.NewClient(nil)).WithAuthToken(cfg.OauthToken)
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.OauthToken})
	default:
		return nil, nil, errors.New("no github credentials configured")
	}

	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("overriding api base url: %w", err)
		}
	}
	return client, tokens, nil
}

// ParseRepoURL extracts owner and repository name from an https repo URL.
func ParseRepoURL(rawURL string) (owner, repo string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid repository url %q: %w", rawURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository url %q has no owner/name path", rawURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// UserLogin returns the login the connector authenticated as.
func (c *Connector) UserLogin() string { return c.login }

// Owner returns the repository owner.
func (c *Connector) Owner() string { return c.owner }

// RepoName returns the repository name.
func (c *Connector) RepoName() string { return c.repo }

// RepoURL returns the configured repository URL.
func (c *Connector) RepoURL() string { return c.url }

// Token returns a currently valid API token, minting a fresh installation
// token when app auth is in use.
func (c *Connector) Token() (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("fetching api token: %w", err)
	}
	return token.AccessToken, nil
}

// AuthenticatedPushURL returns the repo URL with credentials embedded for
// git push over https.
func (c *Connector) AuthenticatedPushURL(token string) string {
	u, err := url.Parse(c.url)
	if err != nil || token == "" {
		return c.url
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// OpenPRs lists every open pull request of the repository.
func (c *Connector) OpenPRs(ctx context.Context) ([]*gh.PullRequest, error) {
	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var all []*gh.PullRequest
	for {
		prs, resp, err := c.client.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing open prs: %w", err)
		}
		all = append(all, prs...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// ClosedPRs lists closed pull requests updated since the cutoff, newest
// first. Pagination stops at the first page whose oldest entry predates the
// cutoff.
func (c *Connector) ClosedPRs(ctx context.Context, cutoff time.Time) ([]*gh.PullRequest, error) {
	opts := &gh.PullRequestListOptions{
		State:       "closed",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var all []*gh.PullRequest
	for {
		prs, resp, err := c.client.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing closed prs: %w", err)
		}
		done := false
		for _, pr := range prs {
			if pr.GetUpdatedAt().Time.Before(cutoff) {
				done = true
				break
			}
			all = append(all, pr)
		}
		if done || resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// CreatePR opens a pull request. A host rejection for an empty diff maps to
// ErrNewPRWithNoChange.
func (c *Connector) CreatePR(ctx context.Context, title, head, base, body string) (*gh.PullRequest, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
		Title: gh.Ptr(title),
		Head:  gh.Ptr(head),
		Base:  gh.Ptr(base),
		Body:  gh.Ptr(body),
	})
	if err != nil {
		var ghErr *gh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil &&
			ghErr.Response.StatusCode == http.StatusUnprocessableEntity {
			for _, e := range ghErr.Errors {
				if strings.Contains(e.Message, "No commits between") {
					return nil, fmt.Errorf("%w: %s", ErrNewPRWithNoChange, e.Message)
				}
			}
		}
		return nil, fmt.Errorf("creating pr %q (%s -> %s): %w", title, head, base, err)
	}
	return pr, nil
}

// UpdatePRTitle renames a pull request.
func (c *Connector) UpdatePRTitle(ctx context.Context, number int, title string) (*gh.PullRequest, error) {
	pr, _, err := c.client.PullRequests.Edit(ctx, c.owner, c.repo, number, &gh.PullRequest{
		Title: gh.Ptr(title),
	})
	if err != nil {
		return nil, fmt.Errorf("renaming pr #%d: %w", number, err)
	}
	return pr, nil
}

// ClosePR closes a pull request without merging.
func (c *Connector) ClosePR(ctx context.Context, number int) error {
	_, _, err := c.client.PullRequests.Edit(ctx, c.owner, c.repo, number, &gh.PullRequest{
		State: gh.Ptr("closed"),
	})
	if err != nil {
		return fmt.Errorf("closing pr #%d: %w", number, err)
	}
	return nil
}

// Branches lists every branch of the repository.
func (c *Connector) Branches(ctx context.Context) ([]*gh.Branch, error) {
	opts := &gh.BranchListOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	var all []*gh.Branch
	for {
		branches, resp, err := c.client.Repositories.ListBranches(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing branches: %w", err)
		}
		all = append(all, branches...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// BranchCommitDate returns the committer date of the branch tip.
func (c *Connector) BranchCommitDate(ctx context.Context, branch string) (time.Time, error) {
	commit, _, err := c.client.Repositories.GetCommit(ctx, c.owner, c.repo, "refs/heads/"+branch, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolving tip of %q: %w", branch, err)
	}
	return commit.GetCommit().GetCommitter().GetDate().Time, nil
}

// DeleteBranch removes a branch ref.
func (c *Connector) DeleteBranch(ctx context.Context, branch string) error {
	if _, err := c.client.Git.DeleteRef(ctx, c.owner, c.repo, "heads/"+branch); err != nil {
		return fmt.Errorf("deleting branch %q: %w", branch, err)
	}
	return nil
}

// Labels lists the labels defined on the repository.
func (c *Connector) Labels(ctx context.Context) ([]*gh.Label, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var all []*gh.Label
	for {
		labels, resp, err := c.client.Issues.ListLabels(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing labels: %w", err)
		}
		all = append(all, labels...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// CreateLabel defines a repository label with the given hex color.
func (c *Connector) CreateLabel(ctx context.Context, name, color string) error {
	_, _, err := c.client.Issues.CreateLabel(ctx, c.owner, c.repo, &gh.Label{
		Name:  gh.Ptr(name),
		Color: gh.Ptr(color),
	})
	if err != nil {
		return fmt.Errorf("creating label %q: %w", name, err)
	}
	return nil
}

// AddLabels attaches labels to a pull request.
func (c *Connector) AddLabels(ctx context.Context, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	_, _, err := c.client.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, labels)
	if err != nil {
		return fmt.Errorf("labeling pr #%d: %w", number, err)
	}
	return nil
}

// RemoveLabel detaches a label from a pull request. A 404 is not an error;
// the label was already gone.
func (c *Connector) RemoveLabel(ctx context.Context, number int, label string) error {
	resp, err := c.client.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("removing label %q from pr #%d: %w", label, number, err)
	}
	return nil
}

// Comment posts a comment on a pull request unless the most recent comment
// already carries the identical body, which keeps retried cycles from
// spamming the thread.
func (c *Connector) Comment(ctx context.Context, number int, body string) error {
	opts := &gh.IssueListCommentsOptions{
		Sort:        gh.Ptr("created"),
		Direction:   gh.Ptr("desc"),
		ListOptions: gh.ListOptions{PerPage: 1},
	}
	comments, _, err := c.client.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
	if err != nil {
		slog.Warn("cannot read last comment, posting anyway", "pr", number, "error", err)
	} else if len(comments) > 0 && comments[0].GetBody() == body {
		slog.Debug("skipping duplicate comment", "pr", number)
		return nil
	}

	_, _, err = c.client.Issues.CreateComment(ctx, c.owner, c.repo, number, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("commenting on pr #%d: %w", number, err)
	}
	return nil
}

// HeadStatus aggregates check runs and legacy commit statuses of a head
// commit into a single verdict. No reported checks at all means pending.
func (c *Connector) HeadStatus(ctx context.Context, sha string) (Status, error) {
	verdict := StatusSuccess
	reported := 0

	checkOpts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		runs, resp, err := c.client.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, sha, checkOpts)
		if err != nil {
			return StatusPending, fmt.Errorf("listing check runs for %s: %w", sha, err)
		}
		for _, run := range runs.CheckRuns {
			reported++
			verdict = combine(verdict, checkRunStatus(run))
		}
		if resp.NextPage == 0 {
			break
		}
		checkOpts.Page = resp.NextPage
	}

	combined, _, err := c.client.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, sha,
		&gh.ListOptions{PerPage: 100})
	if err != nil {
		return StatusPending, fmt.Errorf("fetching combined status for %s: %w", sha, err)
	}
	for _, s := range combined.Statuses {
		reported++
		verdict = combine(verdict, commitStatus(s.GetState()))
	}

	if reported == 0 {
		return StatusPending, nil
	}
	return verdict, nil
}

// FailedWorkflowRuns lists the workflow runs of a head commit that concluded
// in failure.
func (c *Connector) FailedWorkflowRuns(ctx context.Context, sha string) ([]*gh.WorkflowRun, error) {
	opts := &gh.ListWorkflowRunsOptions{
		HeadSHA:     sha,
		Status:      "failure",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var all []*gh.WorkflowRun
	for {
		runs, resp, err := c.client.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing workflow runs for %s: %w", sha, err)
		}
		all = append(all, runs.WorkflowRuns...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// FailedWorkflowLogs downloads the logs of failed jobs of a workflow run and
// distills them with the given extractor.
func (c *Connector) FailedWorkflowLogs(ctx context.Context, runID int64, extractor LogExtractor) (string, error) {
	var jobs []*gh.WorkflowJob
	opts := &gh.ListWorkflowJobsOptions{
		Filter:      "latest",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := c.client.Actions.ListWorkflowJobs(ctx, c.owner, c.repo, runID, opts)
		if err != nil {
			return "", fmt.Errorf("listing jobs of run %d: %w", runID, err)
		}
		jobs = append(jobs, page.Jobs...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	var summary strings.Builder
	for _, job := range jobs {
		if job.GetConclusion() != "failure" {
			continue
		}
		fmt.Fprintf(&summary, "=== Failed job: %s ===\n", job.GetName())

		logURL, _, err := c.client.Actions.GetWorkflowJobLogs(ctx, c.owner, c.repo, job.GetID(), 2)
		if err != nil {
			slog.Warn("cannot resolve job log url", "job", job.GetName(), "error", err)
			continue
		}
		text, err := downloadLog(ctx, logURL.String())
		if err != nil {
			slog.Warn("cannot download job log", "job", job.GetName(), "error", err)
			continue
		}
		summary.WriteString(extractor.Extract(stripANSI(text)))
		summary.WriteString("\n")
	}
	return summary.String(), nil
}

// RateLimitRemaining samples the core API rate limit.
func (c *Connector) RateLimitRemaining(ctx context.Context) (int, error) {
	limits, _, err := c.client.RateLimit.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching rate limits: %w", err)
	}
	return limits.GetCore().Remaining, nil
}

func checkRunStatus(run *gh.CheckRun) Status {
	if run.GetStatus() != "completed" {
		return StatusPending
	}
	switch run.GetConclusion() {
	case "success", "skipped":
		return StatusSuccess
	case "neutral":
		return StatusWarning
	default:
		return StatusFailure
	}
}

func commitStatus(state string) Status {
	switch state {
	case "success":
		return StatusSuccess
	case "pending":
		return StatusPending
	default:
		return StatusFailure
	}
}

// combine merges two verdicts with failure > pending > warning > success.
func combine(a, b Status) Status {
	rank := map[Status]int{StatusSuccess: 0, StatusWarning: 1, StatusPending: 2, StatusFailure: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
